// Command rawgetl loads RAWG catalog resources into a relational database.
//
// Usage:
//
//	rawgetl run <resource> [--partition YYYY-MM-DD]
//	rawgetl run-all [--partition YYYY-MM-DD]
//	rawgetl backfill <resource> [--from YYYY-MM-DD] [--to YYYY-MM-DD]
//	rawgetl schedule
//	rawgetl resources
//	rawgetl schema <resource>
//	rawgetl validate
//
// Configuration comes from the environment (see internal/config); flags
// override it. Run results are written to stdout as JSON lines, logs go to
// stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rawgetl/internal/collector"
	"rawgetl/internal/config"
	"rawgetl/internal/events"
	"rawgetl/internal/logging"
	"rawgetl/internal/partition"
	"rawgetl/internal/pipeline"
	"rawgetl/internal/rawg"
	"rawgetl/internal/resource"
	"rawgetl/internal/scheduler"
	"rawgetl/internal/storage"
	_ "rawgetl/internal/storage/all"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// publisherCloser is an events.Publisher that owns a connection.
type publisherCloser interface {
	events.Publisher
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
	Now    func() time.Time

	OpenRepo       func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	NewFetcher     func(opts rawg.Options) collector.Fetcher
	NewPublisher   func(brokers, topic string) (publisherCloser, error)
	BackendFactory func(ctx context.Context, cfg config.Metrics) (backendCloser, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
		Getenv:   os.Getenv,
		Now:      time.Now,
		OpenRepo: storage.New,
		NewFetcher: func(opts rawg.Options) collector.Fetcher {
			return rawg.NewClient(opts)
		},
		NewPublisher: func(brokers, topic string) (publisherCloser, error) {
			return events.NewKafkaPublisher(brokers, topic)
		},
		BackendFactory: newMetricsBackend,
	})
	stop()
	os.Exit(code)
}

// Exit codes.
const (
	exitOK       = 0
	exitRunError = 1
	exitUsage    = 2
)

// runError marks failures of the work itself, as opposed to usage and
// configuration errors.
type runError struct{ err error }

func (e runError) Error() string { return e.err.Error() }
func (e runError) Unwrap() error { return e.err }

// run executes the command line and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: at least one run failed.
//   - 2: usage, configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Getenv == nil {
		d.Getenv = func(string) string { return "" }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.OpenRepo == nil {
		d.OpenRepo = storage.New
	}
	if d.NewFetcher == nil {
		d.NewFetcher = func(opts rawg.Options) collector.Fetcher { return rawg.NewClient(opts) }
	}
	if d.BackendFactory == nil {
		d.BackendFactory = newMetricsBackend
	}

	root := newRootCmd(d)
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(d.Stderr, "error:", err)
	var re runError
	if errors.As(err, &re) {
		return exitRunError
	}
	return exitUsage
}

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	logLevel      string
	logFormat     string
	dbBackend     string
	dsn           string
	maxPages      int
	batchSize     int
	failurePolicy string
	strict        bool
	metrics       string
}

func newRootCmd(d deps) *cobra.Command {
	var o rootOptions
	root := &cobra.Command{
		Use:           "rawgetl",
		Short:         "rawgetl - load RAWG catalog resources into a database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&o.logFormat, "log-format", "", "log format (text or json)")
	pf.StringVar(&o.dbBackend, "db-backend", "", "destination backend (postgres, mssql, mysql, sqlite)")
	pf.StringVar(&o.dsn, "dsn", "", "destination DSN (overrides DB_* component variables)")
	pf.IntVar(&o.maxPages, "max-pages", 0, "maximum non-empty pages per run")
	pf.IntVar(&o.batchSize, "batch-size", 0, "rows per upsert transaction")
	pf.StringVar(&o.failurePolicy, "failure-policy", "", "on failed batch: abort or continue")
	pf.BoolVar(&o.strict, "strict", false, "fail the run when a record lacks a schema field")
	pf.StringVar(&o.metrics, "metrics-backend", "", "metrics backend (none, datadog, pushgateway)")

	root.AddCommand(
		newRunCmd(d, &o),
		newRunAllCmd(d, &o),
		newBackfillCmd(d, &o),
		newScheduleCmd(d, &o),
		newResourcesCmd(),
		newSchemaCmd(),
		newValidateCmd(d, &o),
	)
	return root
}

// loadConfig reads the environment, applies changed flags and validates.
// Issues are printed to stderr in the same "severity: path: message" form
// whether or not they are fatal.
func loadConfig(cmd *cobra.Command, d deps, o *rootOptions) (config.Config, error) {
	cfg, err := config.FromEnv(d.Getenv)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if flags.Changed("db-backend") {
		cfg.DB.Backend = config.NormalizeBackend(o.dbBackend)
	}
	if flags.Changed("dsn") {
		cfg.DB.DSN = o.dsn
	}
	if flags.Changed("max-pages") {
		cfg.MaxPages = o.maxPages
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = o.batchSize
	}
	if flags.Changed("failure-policy") {
		cfg.FailurePolicy = o.failurePolicy
	}
	if flags.Changed("strict") {
		cfg.Strict = o.strict
	}
	if flags.Changed("metrics-backend") {
		cfg.Metrics.Backend = o.metrics
	}

	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return cfg, errors.New("configuration is invalid")
	}
	return cfg, nil
}

// app is the wired runtime for commands that load data.
type app struct {
	cfg   config.Config
	log   *log.Logger
	sched *scheduler.Scheduler
	out   *json.Encoder

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openApp(cmd *cobra.Command, d deps, o *rootOptions) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd, d, o)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(d.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger.WithField("config", cfg.Redacted()).Debug("configuration loaded")

	a := &app{cfg: cfg, log: logger, out: json.NewEncoder(d.Stdout)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.closers = append(a.closers, setupMetrics(ctx, cfg.Metrics, d.BackendFactory, logger))

	scfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	repo, err := d.OpenRepo(ctx, scfg)
	if err != nil {
		return nil, fmt.Errorf("open %s repository: %w", scfg.Kind, err)
	}
	a.closers = append(a.closers, repo.Close)

	policy, err := storage.ParseFailurePolicy(cfg.FailurePolicy)
	if err != nil {
		return nil, err
	}
	sink := storage.NewSink(repo, storage.SinkOptions{BatchSize: cfg.BatchSize, Policy: policy, Logger: logger})

	var pub events.Publisher = events.Nop{}
	if cfg.Kafka.Brokers != "" && d.NewPublisher != nil {
		kp, err := d.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		pub = kp
		a.closers = append(a.closers, func() {
			if err := kp.Close(); err != nil {
				logger.WithError(err).Warn("kafka publisher close failed")
			}
		})
	}

	fetcher := d.NewFetcher(rawg.Options{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
		Logger:  logger,
	})

	runners := pipeline.Catalog(pipeline.Deps{
		Fetcher: fetcher,
		Sink:    sink,
		Events:  pub,
		Logger:  logger,
		Now:     d.Now,
	}, pipeline.Options{
		MaxPages:         cfg.MaxPages,
		MaxEmptyPages:    cfg.MaxEmptyPages,
		Strict:           cfg.Strict,
		NormalizeUnicode: cfg.NormalizeUnicode,
	})

	retry := scheduler.DefaultRetryPolicy
	retry.MaxAttempts = cfg.RetryAttempts
	a.sched = scheduler.New(runners, scheduler.Options{
		Retry:       retry,
		Parallelism: cfg.Parallelism,
		Logger:      logger,
		Now:         d.Now,
	})

	ok = true
	return a, nil
}

func (a *app) emit(results ...pipeline.RunResult) {
	for _, r := range results {
		if r.RunID == "" {
			continue
		}
		_ = a.out.Encode(r)
	}
}

func checkPartitionFlag(p string) error {
	if p == "" {
		return nil
	}
	_, err := partition.Parse(p)
	return err
}

func newRunCmd(d deps, o *rootOptions) *cobra.Command {
	var part string
	cmd := &cobra.Command{
		Use:   "run <resource>",
		Short: "Load one resource once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := resource.ParseKind(args[0])
			if err != nil {
				return err
			}
			if err := checkPartitionFlag(part); err != nil {
				return err
			}
			a, err := openApp(cmd, d, o)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sched.RunOnce(cmd.Context(), kind, part)
			a.emit(res)
			if err != nil {
				return runError{err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&part, "partition", "", "daily partition for partitioned resources (default: yesterday, UTC)")
	return cmd
}

func newRunAllCmd(d deps, o *rootOptions) *cobra.Command {
	var part string
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Load every resource once, concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkPartitionFlag(part); err != nil {
				return err
			}
			a, err := openApp(cmd, d, o)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.sched.RunAll(cmd.Context(), part)
			a.emit(results...)
			if err != nil {
				return runError{err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&part, "partition", "", "daily partition for partitioned resources (default: yesterday, UTC)")
	return cmd
}

func newBackfillCmd(d deps, o *rootOptions) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "backfill <resource>",
		Short: "Load a range of daily partitions, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := resource.ParseKind(args[0])
			if err != nil {
				return err
			}
			if from == "" {
				from = partition.Format(partition.DefaultStart)
			}
			if to == "" {
				to = partition.Latest(d.Now())
			}
			if _, err := partition.Partitions(from, to); err != nil {
				return err
			}
			a, err := openApp(cmd, d, o)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.sched.Backfill(cmd.Context(), kind, from, to)
			a.emit(results...)
			if err != nil {
				return runError{err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first partition (default: 2024-01-01)")
	cmd.Flags().StringVar(&to, "to", "", "last partition (default: yesterday, UTC)")
	return cmd
}

func newScheduleCmd(d deps, o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every resource on its cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, d, o)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("scheduler started")
			if err := a.sched.Start(cmd.Context(), a.cfg.Schedules); err != nil {
				return err
			}
			a.log.Info("scheduler stopped")
			return nil
		},
	}
}

func newValidateCmd(d deps, o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print it with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, d, o)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg.Redacted())
		},
	}
}
