package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"rawgetl/internal/storage"
)

// maxParams stays below SQL Server's 2100 parameters per request.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Upserts use one MERGE per chunk:
//
//	MERGE INTO [t] WITH (HOLDLOCK) AS t
//	USING (VALUES (...), (...)) AS v([c1], [c2])
//	ON t.[pk] = v.[pk]
//	WHEN MATCHED THEN UPDATE SET ...
//	WHEN NOT MATCHED THEN INSERT (...) VALUES (...);
//
// HOLDLOCK keeps two concurrent MERGEs for the same key from both taking
// the insert branch. MERGE rejects a source that matches one target row
// twice, so callers must dedupe keys first (storage.Sink does).
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}

	conns := 16
	if cfg.MaxConns > 0 {
		conns = int(cfg.MaxConns)
	}
	raw.SetMaxOpenConns(conns)
	raw.SetMaxIdleConns(conns)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables behind an OBJECT_ID guard.
//
// This method is idempotent and safe to run on every run.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertRows merges rows in one transaction, chunked under the parameter limit.
func (r *Repo) UpsertRows(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table.PrimaryKey == nil {
		return 0, fmt.Errorf("mssql: table %s has no primary key", table.Name)
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: columns is empty")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	per := max(1, maxParams/len(columns))
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		q, args := buildMergeSQL(table.Name, columns, rows[start:end], table.PrimaryKey.Name)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("mssql: merge %s rows [%d,%d): %w", table.Name, start, end, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return int64(len(rows)), nil
}

// buildMergeSQL returns the MERGE statement and args for one chunk.
//
// Placeholders are numbered @p1..@pN row-major.
func buildMergeSQL(table string, columns []string, rows [][]any, pk string) (string, []any) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = mssqlIdent(c)
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")

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
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	fmt.Fprintf(&b, ") AS v(%s) ON t.%s = v.%s", strings.Join(quoted, ", "), mssqlIdent(pk), mssqlIdent(pk))

	var sets []string
	for _, c := range columns {
		if strings.EqualFold(c, pk) {
			continue
		}
		sets = append(sets, fmt.Sprintf("t.%s = v.%s", mssqlIdent(c), mssqlIdent(c)))
	}
	if len(sets) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	src := make([]string, len(quoted))
	for i, q := range quoted {
		src[i] = "v." + q
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", strings.Join(quoted, ", "), strings.Join(src, ", "))

	return b.String(), args
}

// buildCreateSQL returns guarded CREATE TABLE DDL.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", fmt.Errorf("mssql: %w", err)
	}

	pkType, err := mssqlType(t.PrimaryKey.Type)
	if err != nil {
		return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
	}
	parts := []string{fmt.Sprintf("%s %s NOT NULL PRIMARY KEY", mssqlIdent(t.PrimaryKey.Name), pkType)}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	typ, err := mssqlType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}
	if c.IsNullable() {
		return fmt.Sprintf("%s %s NULL", mssqlIdent(c.Name), typ), nil
	}
	return fmt.Sprintf("%s %s NOT NULL", mssqlIdent(c.Name), typ), nil
}

func mssqlType(semantic string) (string, error) {
	t, err := storage.ParseType(semantic)
	if err != nil {
		return "", err
	}
	switch t.Kind {
	case storage.TypeInteger:
		return "INT", nil
	case storage.TypeBigInt:
		return "BIGINT", nil
	case storage.TypeText, storage.TypeJSON:
		return "NVARCHAR(MAX)", nil
	case storage.TypeDate:
		return "DATE", nil
	case storage.TypeBoolean:
		return "BIT", nil
	case storage.TypeNumeric:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale), nil
	case storage.TypeFloat:
		return "FLOAT", nil
	case storage.TypeTimestamp:
		return "DATETIME2", nil
	}
	return "", fmt.Errorf("unsupported column type %q", semantic)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.games" -> [dbo].[games]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn             = (*sqlDB)(nil)
	_ txConn             = (*sql.Tx)(nil)
	_ storage.Repository = (*Repo)(nil)
)
