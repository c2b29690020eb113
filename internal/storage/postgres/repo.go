package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rawgetl/internal/storage"
)

// maxParams is the Postgres wire-protocol limit on bind parameters per statement.
const maxParams = 65535

/*
Repo implements storage.Repository for Postgres.

It provides:
  - CREATE TABLE IF NOT EXISTS for every spec (schema-qualified names create the schema too)
  - INSERT ... ON CONFLICT (pk) DO UPDATE upserts, one transaction per call
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New opens a pgx pool for cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates missing tables. It is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertRows writes rows in a single transaction, splitting them into as
// many statements as the parameter limit requires.
func (r *Repo) UpsertRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table.PrimaryKey == nil {
		return 0, fmt.Errorf("postgres: table %s has no primary key", table.Name)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	per := max(1, maxParams/len(columns))
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		sql, args := buildUpsertSQL(table.Name, columns, rows[start:end], table.PrimaryKey.Name)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return 0, fmt.Errorf("postgres: upsert %s: %w", table.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return int64(len(rows)), nil
}

// buildUpsertSQL constructs a single INSERT ... ON CONFLICT statement and its args.
//
// It is pure, so placeholder numbering and the conflict clause are unit
// tested without a database.
//
// Constraints:
//   - every row has len(columns) values.
//   - columns is non-empty and contains pk.
func buildUpsertSQL(table string, columns []string, rows [][]any, pk string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgIdent(pk))
	b.WriteString(")")

	var sets []string
	for _, c := range columns {
		if strings.EqualFold(c, pk) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	b.WriteString(";")
	return b.String(), args
}

// buildCreateSQL builds DDL for one table and, for schema-qualified names,
// its schema.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	pkType, err := pgType(t.PrimaryKey.Type)
	if err != nil {
		return "", "", fmt.Errorf("table %s: %w", t.Name, err)
	}
	defs := make([]string, 0, len(t.Columns)+1)
	defs = append(defs, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(t.PrimaryKey.Name), pkType))

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		defs = append(defs, def)
	}

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, tableSQL, nil
}

// buildColumnDef renders a single column definition. Columns are nullable
// unless Nullable is explicitly false.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := pgType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}
	def := pgIdent(c.Name) + " " + typ
	if !c.IsNullable() {
		def += " NOT NULL"
	}
	return def, nil
}

func pgType(semantic string) (string, error) {
	t, err := storage.ParseType(semantic)
	if err != nil {
		return "", err
	}
	switch t.Kind {
	case storage.TypeInteger:
		return "INTEGER", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeText:
		return "TEXT", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeBoolean:
		return "BOOLEAN", nil
	case storage.TypeNumeric:
		return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale), nil
	case storage.TypeFloat:
		return "DOUBLE PRECISION", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	case storage.TypeJSON:
		return "JSONB", nil
	}
	return "", fmt.Errorf("unsupported column type %q", semantic)
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.games" => ("public", "games")
//   - "games"        => ("", "games")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// pgIdent quotes an identifier, doubling embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(name)
}

var _ storage.Repository = (*Repo)(nil)
