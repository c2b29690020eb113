package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"rawgetl/internal/storage"
)

type fakeTx struct {
	execs      []string
	argCounts  []int
	failAt     int // 1-based exec index; 0 never fails
	committed  bool
	rolledBack bool
}

func (f *fakeTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	f.argCounts = append(f.argCounts, len(args))
	if f.failAt == len(f.execs) {
		return nil, errors.New("merge conflict")
	}
	return nil, nil
}

func (f *fakeTx) Commit() error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback() error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeDB struct {
	tx    *fakeTx
	execs []string
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	return nil, nil
}

func (f *fakeDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	return f.tx, nil
}

func (f *fakeDB) Close() error { return nil }

func tagsSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:       "tags",
		PrimaryKey: &storage.PrimaryKeySpec{Name: "tag_id", Type: "integer"},
		Columns: []storage.ColumnSpec{
			{Name: "name", Type: "text"},
			{Name: "games", Type: "json"},
		},
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	q, args := buildMergeSQL("tags", []string{"tag_id", "name"}, [][]any{{int64(1), "rpg"}, {int64(2), "indie"}}, "tag_id")
	want := "MERGE INTO [tags] WITH (HOLDLOCK) AS t USING (VALUES (@p1, @p2), (@p3, @p4)) AS v([tag_id], [name]) " +
		"ON t.[tag_id] = v.[tag_id] WHEN MATCHED THEN UPDATE SET t.[name] = v.[name] " +
		"WHEN NOT MATCHED THEN INSERT ([tag_id], [name]) VALUES (v.[tag_id], v.[name]);"
	if q != want {
		t.Fatalf("sql=%q\nwant %q", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args=%d, want 4", len(args))
	}
}

func TestBuildMergeSQL_KeyOnlyHasNoUpdateBranch(t *testing.T) {
	t.Parallel()

	q, _ := buildMergeSQL("tags", []string{"tag_id"}, [][]any{{int64(1)}}, "tag_id")
	if strings.Contains(q, "WHEN MATCHED") {
		t.Fatalf("key-only merge should not update: %q", q)
	}
}

func TestBuildCreateSQL_GuardedAndTyped(t *testing.T) {
	t.Parallel()

	ddl, err := buildCreateSQL(tagsSpec())
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'tags', N'U') IS NULL",
		"[tag_id] INT NOT NULL PRIMARY KEY",
		"[name] NVARCHAR(MAX) NULL",
		"[games] NVARCHAR(MAX) NULL",
	} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("ddl missing %q: %s", want, ddl)
		}
	}
}

func TestMssqlType_Numeric(t *testing.T) {
	t.Parallel()

	got, err := mssqlType("numeric(5,2)")
	if err != nil || got != "DECIMAL(5,2)" {
		t.Fatalf("mssqlType=%q err=%v", got, err)
	}
}

func TestUpsertRows_ChunksUnderParameterLimit(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{}
	r := &Repo{db: &fakeDB{tx: tx}}
	cols := []string{"tag_id", "name", "games"}
	rows := make([][]any, 1500) // 3 cols -> 666 rows per statement
	for i := range rows {
		rows[i] = []any{int64(i + 1), "t", nil}
	}

	n, err := r.UpsertRows(context.Background(), tagsSpec(), cols, rows)
	if err != nil {
		t.Fatalf("UpsertRows: %v", err)
	}
	if n != 1500 || !tx.committed {
		t.Fatalf("n=%d committed=%v", n, tx.committed)
	}
	if len(tx.execs) != 3 {
		t.Fatalf("statements=%d, want 3", len(tx.execs))
	}
	for _, c := range tx.argCounts {
		if c > maxParams {
			t.Fatalf("statement carries %d params, limit %d", c, maxParams)
		}
	}
}

func TestUpsertRows_RollsBackOnFailure(t *testing.T) {
	t.Parallel()

	tx := &fakeTx{failAt: 2}
	r := &Repo{db: &fakeDB{tx: tx}}
	rows := make([][]any, 1000)
	for i := range rows {
		rows[i] = []any{int64(i + 1), "t", nil}
	}

	if _, err := r.UpsertRows(context.Background(), tagsSpec(), []string{"tag_id", "name", "games"}, rows); err == nil {
		t.Fatalf("expected error")
	}
	if tx.committed || !tx.rolledBack {
		t.Fatalf("committed=%v rolledBack=%v", tx.committed, tx.rolledBack)
	}
}

func TestEnsureTables_ExecutesGuardedDDL(t *testing.T) {
	t.Parallel()

	db := &fakeDB{}
	r := &Repo{db: db}
	if err := r.EnsureTables(context.Background(), []storage.TableSpec{tagsSpec()}); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	if len(db.execs) != 1 || !strings.HasPrefix(db.execs[0], "IF OBJECT_ID") {
		t.Fatalf("execs=%v", db.execs)
	}
}
