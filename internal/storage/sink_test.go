package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type fakeRepo struct {
	ensureCalls int
	batches     [][][]any
	failOn      map[int]error // batch index -> error
	ensureErr   error
}

func (f *fakeRepo) Close() {}

func (f *fakeRepo) EnsureTables(ctx context.Context, tables []TableSpec) error {
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeRepo) UpsertRows(ctx context.Context, table TableSpec, columns []string, rows [][]any) (int64, error) {
	i := len(f.batches)
	f.batches = append(f.batches, rows)
	if err := f.failOn[i]; err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func gamesTable() TableSpec {
	return TableSpec{
		Name:       "games",
		PrimaryKey: &PrimaryKeySpec{Name: "game_id", Type: "integer"},
		Columns: []ColumnSpec{
			{Name: "name", Type: "text"},
			{Name: "rating", Type: "numeric(3,2)"},
		},
	}
}

func gameRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i + 1), "g", 4.5}
	}
	return rows
}

var gameCols = []string{"game_id", "name", "rating"}

func TestSink_EmptyInputIsNoop(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{}
	res, err := NewSink(repo, SinkOptions{}).Upsert(context.Background(), gamesTable(), gameCols, nil)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.RowsWritten != 0 || repo.ensureCalls != 0 || len(repo.batches) != 0 {
		t.Fatalf("expected no database work, got res=%+v ensure=%d batches=%d", res, repo.ensureCalls, len(repo.batches))
	}
}

func TestSink_SplitsIntoBatchesAndEnsuresOnce(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{}
	s := NewSink(repo, SinkOptions{BatchSize: 2})

	res, err := s.Upsert(context.Background(), gamesTable(), gameCols, gameRows(5))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.RowsWritten != 5 || res.Batches != 3 {
		t.Fatalf("res=%+v", res)
	}
	if _, err := s.Upsert(context.Background(), gamesTable(), gameCols, gameRows(1)); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if repo.ensureCalls != 1 {
		t.Fatalf("EnsureTables calls=%d, want 1", repo.ensureCalls)
	}
}

func TestSink_DedupesWithinBatchKeepingLast(t *testing.T) {
	t.Parallel()
	repo := &fakeRepo{}
	rows := [][]any{
		{int64(101), "Elden Ring", 4.5},
		{int64(7), "Other", 3.0},
		{int64(101), "Elden Ring", 4.8},
	}
	res, err := NewSink(repo, SinkOptions{}).Upsert(context.Background(), gamesTable(), gameCols, rows)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.RowsWritten != 2 {
		t.Fatalf("RowsWritten=%d, want 2", res.RowsWritten)
	}
	got := repo.batches[0]
	if got[0][0] != int64(101) || got[0][2] != 4.8 {
		t.Fatalf("first row=%v, want game 101 with rating 4.8", got[0])
	}
}

func TestSink_AbortStopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("deadlock")
	repo := &fakeRepo{failOn: map[int]error{1: boom}}
	s := NewSink(repo, SinkOptions{BatchSize: 2})

	res, err := s.Upsert(context.Background(), gamesTable(), gameCols, gameRows(6))
	var be *UpsertBatchError
	if !errors.As(err, &be) {
		t.Fatalf("err=%v, want *UpsertBatchError", err)
	}
	if be.Start != 2 || be.End != 4 || !errors.Is(err, boom) {
		t.Fatalf("batch error=%+v", be)
	}
	if res.RowsWritten != 2 || len(repo.batches) != 2 {
		t.Fatalf("res=%+v batches=%d", res, len(repo.batches))
	}
}

func TestSink_ContinueRecordsFailureAndProceeds(t *testing.T) {
	t.Parallel()
	logger, hook := logtest.NewNullLogger()
	repo := &fakeRepo{failOn: map[int]error{0: errors.New("constraint")}}
	s := NewSink(repo, SinkOptions{BatchSize: 2, Policy: FailContinue, Logger: logger})

	res, err := s.Upsert(context.Background(), gamesTable(), gameCols, gameRows(5))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if res.RowsWritten != 3 || res.Batches != 2 || len(res.FailedBatches) != 1 {
		t.Fatalf("res=%+v", res)
	}
	if fb := res.FailedBatches[0]; fb.Start != 0 || fb.End != 2 {
		t.Fatalf("failed batch=%+v", fb)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.WarnLevel {
		t.Fatalf("expected a warning for the failed batch")
	}
}

func TestSink_RejectsInvalidRowsBeforeWriting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		columns []string
		rows    [][]any
		want    string
	}{
		{name: "missing_pk_column", columns: []string{"name", "rating"}, rows: [][]any{{"a", 1.0}}, want: "primary key"},
		{name: "ragged_row", columns: gameCols, rows: [][]any{{int64(1), "a"}}, want: "has 2 values"},
		{name: "null_pk", columns: gameCols, rows: [][]any{{nil, "a", 1.0}}, want: "null primary key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRepo{}
			_, err := NewSink(repo, SinkOptions{}).Upsert(context.Background(), gamesTable(), tc.columns, tc.rows)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want containing %q", err, tc.want)
			}
			if repo.ensureCalls != 0 || len(repo.batches) != 0 {
				t.Fatalf("repository touched for invalid input")
			}
		})
	}
}

func TestSink_StopsWhenContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	repo := &fakeRepo{}
	_, err := NewSink(repo, SinkOptions{}).Upsert(ctx, gamesTable(), gameCols, gameRows(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if len(repo.batches) != 0 {
		t.Fatalf("batches written after cancel: %d", len(repo.batches))
	}
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{in: "", want: FailAbort},
		{in: "ABORT", want: FailAbort},
		{in: "continue", want: FailContinue},
		{in: "best-effort", want: FailContinue},
		{in: "retry", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseFailurePolicy(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("ParseFailurePolicy(%q)=%q,%v", tc.in, got, err)
		}
	}
}
