// Package pipeline runs collect, transform and load for one resource.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rawgetl/internal/collector"
	"rawgetl/internal/events"
	"rawgetl/internal/logging"
	"rawgetl/internal/metrics"
	"rawgetl/internal/partition"
	"rawgetl/internal/resource"
	"rawgetl/internal/storage"
	"rawgetl/internal/transformer"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrPartialLoad is returned when a best-effort load skipped failed batches.
	ErrPartialLoad = errors.New("partial load")
	// ErrInvalidPartition is returned for a missing or malformed partition key
	// on a partitioned resource.
	ErrInvalidPartition = errors.New("invalid partition")
)

// Upserter is the part of *storage.Sink a pipeline needs.
type Upserter interface {
	Upsert(ctx context.Context, table storage.TableSpec, columns []string, rows [][]any) (storage.UpsertResult, error)
}

// Deps are the collaborators shared by every pipeline in a process.
type Deps struct {
	Fetcher collector.Fetcher
	Sink    Upserter
	// Events receives a RunResult after every run. Nil disables publishing.
	Events events.Publisher
	Logger log.FieldLogger
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Options tune a pipeline. Zero values pick the collector defaults.
type Options struct {
	MaxPages      int
	MaxEmptyPages int
	Strict        bool

	// NormalizeUnicode is passed through to the transformer.
	NormalizeUnicode bool
}

// BatchRange is a failed upsert batch as reported in RunResult.
type BatchRange struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Error string `json:"error"`
}

// RunResult describes one run.
type RunResult struct {
	RunID           string        `json:"run_id"`
	Resource        resource.Kind `json:"resource"`
	Partition       string        `json:"partition,omitempty"`
	RowsFetched     int           `json:"rows_fetched"`
	RowsTransformed int           `json:"rows_transformed"`
	RowsLoaded      int64         `json:"rows_loaded"`
	Skipped         bool          `json:"skipped"`
	FailedBatches   []BatchRange  `json:"failed_batches,omitempty"`
	Pages           int           `json:"pages"`
	Duration        time.Duration `json:"duration_ns"`
	Error           string        `json:"error,omitempty"`
}

// Runner is the non-generic view of a Pipeline used by the scheduler.
type Runner interface {
	Kind() resource.Kind
	Partitioned() bool
	Run(ctx context.Context, partition string) (RunResult, error)
}

// Pipeline loads one resource with row type R.
//
// A run is sequential. Different pipelines may run concurrently when they
// share a Sink and Fetcher that are safe for concurrent use.
type Pipeline[R any] struct {
	spec   resource.Spec[R]
	coll   *collector.Collector
	sink   Upserter
	pub    events.Publisher
	log    log.FieldLogger
	now    func() time.Time
	newID  func() string
	strict bool
	nfc    bool
}

// New builds the pipeline for spec.
func New[R any](spec resource.Spec[R], deps Deps, opts Options) *Pipeline[R] {
	logger := logging.OrDiscard(deps.Logger)
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pipeline[R]{
		spec: spec,
		coll: collector.New(deps.Fetcher, collector.Options{
			MaxPages:      opts.MaxPages,
			MaxEmptyPages: opts.MaxEmptyPages,
			Logger:        logger,
		}),
		sink:   deps.Sink,
		pub:    pub,
		log:    logger,
		now:    now,
		newID:  newID,
		strict: opts.Strict,
		nfc:    opts.NormalizeUnicode,
	}
}

func (p *Pipeline[R]) Kind() resource.Kind { return p.spec.Kind }

func (p *Pipeline[R]) Partitioned() bool { return p.spec.Endpoint.Partitioned }

// Run executes one collect, transform and load pass.
//
// partition is required (YYYY-MM-DD) for partitioned resources and ignored
// otherwise. An empty collection is a skipped run, not an error. Run never
// retries; the scheduler owns that.
func (p *Pipeline[R]) Run(ctx context.Context, part string) (RunResult, error) {
	start := p.now()
	res := RunResult{RunID: p.newID(), Resource: p.spec.Kind}
	kind := string(p.spec.Kind)

	if p.Partitioned() {
		if _, err := partition.Parse(part); err != nil {
			return res, fmt.Errorf("run %s: %w: %q", kind, ErrInvalidPartition, part)
		}
		res.Partition = part
	} else {
		part = ""
	}

	logger := p.log.WithFields(log.Fields{"resource": kind, "run_id": res.RunID})
	if part != "" {
		logger = logger.WithField("partition", part)
	}

	res, err := p.run(ctx, logger, part, res)
	res.Duration = p.now().Sub(start)
	if err != nil {
		res.Error = err.Error()
		logger.WithError(err).WithField("duration", res.Duration.Round(time.Millisecond)).Error("run failed")
	} else {
		logger.WithFields(log.Fields{
			"fetched":  res.RowsFetched,
			"loaded":   res.RowsLoaded,
			"skipped":  res.Skipped,
			"duration": res.Duration.Round(time.Millisecond),
		}).Info("run ok")
	}
	p.publish(ctx, logger, res)
	return res, err
}

func (p *Pipeline[R]) run(ctx context.Context, logger log.FieldLogger, part string, res RunResult) (RunResult, error) {
	kind := string(p.spec.Kind)

	t0 := time.Now()
	records, cur, err := p.coll.Collect(ctx, p.spec.Kind, p.spec.Endpoint, part)
	metrics.RecordStep(kind, "extract", err, time.Since(t0))
	res.Pages = cur.NonEmptyPages
	if err != nil {
		return res, fmt.Errorf("run %s: %w", kind, err)
	}
	res.RowsFetched = len(records)
	metrics.RecordRows(kind, "fetched", len(records))
	logger.WithFields(log.Fields{"stage": "extract", "rows": len(records), "pages": cur.NonEmptyPages, "duration": time.Since(t0).Round(time.Millisecond)}).Debug("stage ok")

	if len(records) == 0 {
		res.Skipped = true
		logger.Info("no records, skipping")
		return res, nil
	}

	t0 = time.Now()
	rows, err := transformer.Transform(p.spec, records, transformer.Options{Strict: p.strict, NormalizeUnicode: p.nfc, Logger: logger})
	metrics.RecordStep(kind, "transform", err, time.Since(t0))
	if err != nil {
		return res, fmt.Errorf("run %s: %w", kind, err)
	}
	res.RowsTransformed = len(rows)
	metrics.RecordRows(kind, "transformed", len(rows))
	logger.WithFields(log.Fields{"stage": "transform", "rows": len(rows), "duration": time.Since(t0).Round(time.Millisecond)}).Debug("stage ok")

	if len(rows) == 0 {
		res.Skipped = true
		logger.Warn("every record was dropped, skipping load")
		return res, nil
	}

	sc := p.spec.Schema()
	stamp := p.now().UTC()
	values := make([][]any, len(rows))
	for i := range rows {
		sc.Stamp(&rows[i], stamp)
		values[i] = sc.Values(rows[i])
	}

	t0 = time.Now()
	up, err := p.sink.Upsert(ctx, p.spec.TableSpec(), sc.ColumnNames(), values)
	metrics.RecordStep(kind, "load", err, time.Since(t0))
	res.RowsLoaded = up.RowsWritten
	metrics.RecordRows(kind, "loaded", int(up.RowsWritten))
	for _, fb := range up.FailedBatches {
		res.FailedBatches = append(res.FailedBatches, BatchRange{Start: fb.Start, End: fb.End, Error: fb.Err.Error()})
	}
	if err != nil {
		return res, fmt.Errorf("run %s: %w", kind, err)
	}
	logger.WithFields(log.Fields{"stage": "load", "rows": up.RowsWritten, "batches": up.Batches, "duration": time.Since(t0).Round(time.Millisecond)}).Debug("stage ok")

	if len(up.FailedBatches) > 0 {
		return res, fmt.Errorf("run %s: %w: %d failed batch(es)", kind, ErrPartialLoad, len(up.FailedBatches))
	}
	return res, nil
}

// publish reports res downstream. Failures are logged and never fail the run.
func (p *Pipeline[R]) publish(ctx context.Context, logger log.FieldLogger, res RunResult) {
	if err := p.pub.Publish(context.WithoutCancel(ctx), string(res.Resource), res); err != nil {
		logger.WithError(err).Warn("publish run event failed")
	}
}

// Catalog builds one Runner per catalog resource, keyed by kind.
func Catalog(deps Deps, opts Options) map[resource.Kind]Runner {
	return map[resource.Kind]Runner{
		resource.Games:     New(resource.GameSpec, deps, opts),
		resource.Genres:    New(resource.GenreSpec, deps, opts),
		resource.Platforms: New(resource.PlatformSpec, deps, opts),
		resource.Stores:    New(resource.StoreSpec, deps, opts),
		resource.Tags:      New(resource.TagSpec, deps, opts),
	}
}
