// Package scheduler drives pipelines: single runs with retries, concurrent
// runs across resources, sequential backfills and cron triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rawgetl/internal/logging"
	"rawgetl/internal/metrics"
	"rawgetl/internal/partition"
	"rawgetl/internal/pipeline"
	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultSchedule fires at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Options configures a Scheduler. Zero values pick the defaults.
type Options struct {
	Retry       RetryPolicy
	// Parallelism caps concurrent runs in RunAll. Zero means one per kind.
	Parallelism int
	Logger      log.FieldLogger
	Now         func() time.Time
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	runners map[resource.Kind]pipeline.Runner
	guard   *RunGuard
	retry   RetryPolicy
	par     int
	log     log.FieldLogger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) bool
}

func New(runners map[resource.Kind]pipeline.Runner, opts Options) *Scheduler {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		runners: runners,
		guard:   NewRunGuard(),
		retry:   retry,
		par:     opts.Parallelism,
		log:     logging.OrDiscard(opts.Logger),
		now:     now,
		sleep:   sleepContext,
	}
}

// Guard exposes the run guard, mainly so callers can Wait on shutdown.
func (s *Scheduler) Guard() *RunGuard { return s.guard }

func (s *Scheduler) runner(k resource.Kind) (pipeline.Runner, error) {
	r, ok := s.runners[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q", resource.ErrUnknownResource, k)
	}
	return r, nil
}

// RunOnce runs kind for partition, retrying retryable failures.
//
// For partitioned kinds an empty partition means the latest complete day.
// It returns ErrAlreadyRunning without running if kind is in flight.
func (s *Scheduler) RunOnce(ctx context.Context, kind resource.Kind, part string) (pipeline.RunResult, error) {
	r, err := s.runner(kind)
	if err != nil {
		return pipeline.RunResult{}, err
	}
	if r.Partitioned() && part == "" {
		part = partition.Latest(s.now())
	}
	if !s.guard.TryLock(kind) {
		return pipeline.RunResult{Resource: kind, Partition: part}, fmt.Errorf("run %s: %w", kind, ErrAlreadyRunning)
	}
	defer s.guard.Unlock(kind)

	attempts := max(1, s.retry.MaxAttempts)
	logger := s.log.WithField("resource", kind)
	for attempt := 1; ; attempt++ {
		res, err := r.Run(ctx, part)
		if err == nil || attempt >= attempts || !rawg.IsRetryable(err) {
			return res, err
		}
		wait := s.retry.nextRetryDelay(err, attempt)
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).Warn("run failed, retrying")
		if !s.sleep(ctx, wait) {
			return res, errors.Join(err, ctx.Err())
		}
	}
}

// RunAll runs every kind concurrently and joins their errors. part applies to
// partitioned kinds only. Results are in kind order.
func (s *Scheduler) RunAll(ctx context.Context, part string) ([]pipeline.RunResult, error) {
	kinds := s.kinds()
	results := make([]pipeline.RunResult, len(kinds))
	errs := make([]error, len(kinds))

	var g errgroup.Group
	if s.par > 0 {
		g.SetLimit(s.par)
	}
	for i, k := range kinds {
		g.Go(func() error {
			results[i], errs[i] = s.RunOnce(ctx, k, part)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Backfill runs kind for every daily partition from "from" to "to"
// (inclusive) in date order, one at a time. It stops at the first failure.
func (s *Scheduler) Backfill(ctx context.Context, kind resource.Kind, from, to string) ([]pipeline.RunResult, error) {
	r, err := s.runner(kind)
	if err != nil {
		return nil, err
	}
	if !r.Partitioned() {
		return nil, fmt.Errorf("backfill %s: resource is not partitioned", kind)
	}
	parts, err := partition.Partitions(from, to)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: %w", kind, err)
	}

	out := make([]pipeline.RunResult, 0, len(parts))
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("backfill %s: %w", kind, err)
		}
		res, err := s.RunOnce(ctx, kind, p)
		out = append(out, res)
		if err != nil {
			return out, fmt.Errorf("backfill %s at %s: %w", kind, p, err)
		}
	}
	return out, nil
}

// Start registers one cron entry per kind and blocks until ctx is done. Kinds
// missing from schedules use DefaultSchedule. Overlapping triggers are
// skipped by the run guard. On return, in-flight runs have finished.
func (s *Scheduler) Start(ctx context.Context, schedules map[resource.Kind]string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	for _, k := range s.kinds() {
		spec := schedules[k]
		if spec == "" {
			spec = DefaultSchedule
		}
		if _, err := c.AddFunc(spec, func() { s.trigger(ctx, k) }); err != nil {
			return fmt.Errorf("schedule %s: invalid cron expression %q: %w", k, spec, err)
		}
		s.log.WithFields(log.Fields{"resource": k, "schedule": spec}).Info("scheduled")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// trigger runs one scheduled pass and flushes the metrics it recorded.
func (s *Scheduler) trigger(ctx context.Context, k resource.Kind) {
	logger := s.log.WithField("resource", k)
	res, err := s.RunOnce(ctx, k, "")
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		logger.Warn("previous run still in progress, skipping trigger")
		return
	case err != nil:
		logger.WithError(err).WithField("run_id", res.RunID).Error("scheduled run failed")
	}
	if err := metrics.Flush(); err != nil {
		logger.WithError(err).Warn("metrics flush failed")
	}
}

func (s *Scheduler) kinds() []resource.Kind {
	out := make([]resource.Kind, 0, len(s.runners))
	for k := range s.runners {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
