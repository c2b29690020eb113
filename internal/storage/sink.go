package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rawgetl/internal/logging"
	"rawgetl/internal/metrics"

	log "github.com/sirupsen/logrus"
)

// DefaultBatchSize is the number of rows per upsert transaction.
const DefaultBatchSize = 1000

// FailurePolicy decides what Upsert does after a batch fails.
type FailurePolicy string

const (
	// FailAbort stops at the first failed batch and returns its error.
	FailAbort FailurePolicy = "abort"
	// FailContinue records the failed batch, logs it and moves on.
	FailContinue FailurePolicy = "continue"
)

// ParseFailurePolicy accepts "abort", "continue" and the empty string (abort).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return FailAbort, nil
	case "continue", "best-effort", "best_effort":
		return FailContinue, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want abort or continue)", s)
	}
}

// UpsertBatchError reports a failed batch. Rows [Start, End) of the input
// passed to Upsert were rolled back.
type UpsertBatchError struct {
	Table string
	Start int
	End   int
	Err   error
}

func (e *UpsertBatchError) Error() string {
	return fmt.Sprintf("upsert %s rows [%d,%d): %v", e.Table, e.Start, e.End, e.Err)
}

func (e *UpsertBatchError) Unwrap() error { return e.Err }

// UpsertResult summarizes one Upsert call.
type UpsertResult struct {
	RowsWritten   int64
	Batches       int
	FailedBatches []*UpsertBatchError
}

// SinkOptions configures a Sink. Zero values pick the defaults.
type SinkOptions struct {
	BatchSize int
	Policy    FailurePolicy
	Logger    log.FieldLogger
}

// Sink writes rows through a Repository in fixed-size batches.
//
// Each batch is one backend transaction. Duplicate keys inside a batch keep
// their last occurrence. Tables are created on first use.
type Sink struct {
	repo      Repository
	batchSize int
	policy    FailurePolicy
	log       log.FieldLogger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewSink wraps repo.
func NewSink(repo Repository, opts SinkOptions) *Sink {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	policy := opts.Policy
	if policy == "" {
		policy = FailAbort
	}
	return &Sink{
		repo:      repo,
		batchSize: size,
		policy:    policy,
		log:       logging.OrDiscard(opts.Logger),
		ensured:   map[string]bool{},
	}
}

// Upsert writes rows into table. columns names the value positions of every
// row and must include the primary key.
//
// Empty input is a no-op and does not touch the database. Invalid input
// (missing key column, ragged rows, null keys) is rejected before any write.
// Cancellation is checked between batches; committed batches stay.
func (s *Sink) Upsert(ctx context.Context, table TableSpec, columns []string, rows [][]any) (UpsertResult, error) {
	var res UpsertResult
	if len(rows) == 0 {
		return res, nil
	}
	if err := table.Validate(); err != nil {
		return res, fmt.Errorf("upsert: %w", err)
	}
	pk := table.PrimaryKey.Name
	if err := checkRows(table.Name, pk, columns, rows); err != nil {
		return res, fmt.Errorf("upsert: %w", err)
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return res, fmt.Errorf("upsert: %w", err)
	}

	for start := 0; start < len(rows); start += s.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		end := min(start+s.batchSize, len(rows))

		batch, err := DedupeLastByKey(columns, rows[start:end], []string{pk})
		if err == nil {
			var n int64
			t0 := time.Now()
			n, err = s.repo.UpsertRows(ctx, table, columns, batch)
			if err == nil {
				res.RowsWritten += n
				res.Batches++
				metrics.RecordBatch(table.Name, "ok")
				s.log.WithFields(log.Fields{
					"table":    table.Name,
					"start":    start,
					"end":      end,
					"rows":     n,
					"duration": time.Since(t0).Round(time.Millisecond),
				}).Debug("batch committed")
				continue
			}
		}

		metrics.RecordBatch(table.Name, "error")
		be := &UpsertBatchError{Table: table.Name, Start: start, End: end, Err: err}
		res.FailedBatches = append(res.FailedBatches, be)
		if s.policy != FailContinue || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, be
		}
		s.log.WithError(err).WithFields(log.Fields{
			"table": table.Name,
			"start": start,
			"end":   end,
		}).Warn("batch failed, continuing")
	}
	return res, nil
}

// ensureTable runs EnsureTables once per table name for the life of the Sink.
func (s *Sink) ensureTable(ctx context.Context, table TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[table.Name] {
		return nil
	}
	if err := s.repo.EnsureTables(ctx, []TableSpec{table}); err != nil {
		return fmt.Errorf("ensure table %s: %w", table.Name, err)
	}
	s.ensured[table.Name] = true
	return nil
}

func checkRows(table, pk string, columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("table %s: no columns", table)
	}
	pkIdx, ok := indexOfColumn(columns, pk)
	if !ok {
		return fmt.Errorf("table %s: primary key %s missing from columns %v", table, pk, columns)
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("table %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if row[pkIdx] == nil {
			return fmt.Errorf("table %s: row %d has null primary key %s", table, i, pk)
		}
	}
	return nil
}
