package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"rawgetl/internal/storage"
)

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for modernc.org/sqlite.
const maxParams = 32766

// Repo implements storage.Repository for SQLite.
//
// Key points vs Postgres:
//   - SQLite allows a single writer, so the pool is capped at one connection;
//     concurrent pipelines queue on it instead of failing with SQLITE_BUSY.
//     This also keeps ":memory:" databases alive across calls.
//   - Column types follow SQLite affinity: numeric(p,s) becomes NUMERIC,
//     json becomes TEXT.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN (a file path, "file:" URI or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates missing tables. It is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertRows writes rows inside one transaction.
func (r *Repo) UpsertRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table.PrimaryKey == nil {
		return 0, fmt.Errorf("sqlite: table %s has no primary key", table.Name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	per := max(1, maxParams/len(columns))
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildUpsertSQL(table.Name, columns, rows[start:end], table.PrimaryKey.Name)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("sqlite: upsert %s: %w", table.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return int64(len(rows)), nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildUpsertSQL renders a multi-row INSERT with an ON CONFLICT upsert clause.
func buildUpsertSQL(table string, columns []string, rows [][]any, pk string) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = sqlIdent(c)
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sqlIdent(table), strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	var sets []string
	for _, c := range columns {
		if strings.EqualFold(c, pk) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
	}
	fmt.Fprintf(&b, " ON CONFLICT(%s)", sqlIdent(pk))
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String(), args
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	pkType, err := sqliteType(t.PrimaryKey.Type)
	if err != nil {
		return "", fmt.Errorf("table %s: %w", t.Name, err)
	}
	parts := []string{fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), pkType)}

	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func sqliteType(semantic string) (string, error) {
	t, err := storage.ParseType(semantic)
	if err != nil {
		return "", err
	}
	switch t.Kind {
	case storage.TypeInteger, storage.TypeBigInt:
		return "INTEGER", nil
	case storage.TypeText, storage.TypeJSON:
		return "TEXT", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeBoolean:
		return "BOOLEAN", nil
	case storage.TypeNumeric:
		return "NUMERIC", nil
	case storage.TypeFloat:
		return "REAL", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("unsupported column type %q", semantic)
}

var _ storage.Repository = (*Repo)(nil)
