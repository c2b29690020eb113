package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"rawgetl/internal/storage"
)

const maxParams = 65535

// Repo implements storage.Repository for MySQL and MariaDB using
// INSERT ... ON DUPLICATE KEY UPDATE.
//
// The DSN must enable parseTime so timestamp columns scan into time.Time.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
		db.SetMaxIdleConns(int(cfg.MaxConns))
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) UpsertRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table.PrimaryKey == nil {
		return 0, fmt.Errorf("mysql: table %s has no primary key", table.Name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	per := max(1, maxParams/len(columns))
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildUpsertSQL(table.Name, columns, rows[start:end], table.PrimaryKey.Name)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("mysql: upsert %s: %w", table.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return int64(len(rows)), nil
}

// buildUpsertSQL renders INSERT ... ON DUPLICATE KEY UPDATE c = VALUES(c).
func buildUpsertSQL(table string, columns []string, rows [][]any, pk string) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = myIdent(c)
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", myTableIdent(table), strings.Join(quoted, ", "))
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
		sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", myIdent(c), myIdent(c)))
	}
	if len(sets) == 0 {
		// no-op update keeps the statement an upsert
		sets = append(sets, fmt.Sprintf("%s = %s", myIdent(pk), myIdent(pk)))
	}
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	b.WriteString(strings.Join(sets, ", "))
	return b.String(), args
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("mysql: %w", err)
	}
	pkType, err := myType(t.PrimaryKey.Type)
	if err != nil {
		return "", fmt.Errorf("mysql: table %s: %w", t.Name, err)
	}
	parts := []string{fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", myIdent(t.PrimaryKey.Name), pkType)}
	for _, c := range t.Columns {
		typ, err := myType(c.Type)
		if err != nil {
			return "", fmt.Errorf("mysql: table %s: column %s: %w", t.Name, c.Name, err)
		}
		def := myIdent(c.Name) + " " + typ
		if c.IsNullable() {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", myTableIdent(t.Name), strings.Join(parts, ", ")), nil
}

func myType(semantic string) (string, error) {
	t, err := storage.ParseType(semantic)
	if err != nil {
		return "", err
	}
	switch t.Kind {
	case storage.TypeInteger:
		return "INT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeBoolean:
		return "BOOLEAN", nil
	case storage.TypeNumeric:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale), nil
	case storage.TypeFloat:
		return "DOUBLE", nil
	case storage.TypeTimestamp:
		return "DATETIME(6)", nil
	case storage.TypeJSON:
		return "JSON", nil
	}
	return "", fmt.Errorf("unsupported column type %q", semantic)
}

func myIdent(name string) string {
	return "`" + strings.ReplaceAll(strings.TrimSpace(name), "`", "``") + "`"
}

func myTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = myIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

var _ storage.Repository = (*Repo)(nil)
