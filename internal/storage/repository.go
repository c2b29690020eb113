package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - MaxConns <= 0 leaves the backend's pool default in place.
type Config struct {
	Kind     string
	DSN      string
	MaxConns int32
}

// Repository is the backend-agnostic write side of the pipeline.
//
// Each backend implements upsert in its own dialect (Postgres and SQLite
// ON CONFLICT, MySQL ON DUPLICATE KEY, MSSQL MERGE). All pipelines in a
// process share one Repository, so implementations must be safe for
// concurrent use.
type Repository interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	// EnsureTables creates missing tables. Existing tables are left untouched.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// UpsertRows inserts rows keyed by the table's primary key, overwriting
	// every non-key column of rows that already exist. The whole call is a
	// single transaction: either every row is written or none is.
	//
	// columns must contain the primary key column and rows must be free of
	// duplicate keys; Sink takes care of both.
	UpsertRows(ctx context.Context, table TableSpec, columns []string, rows [][]any) (int64, error)
}

// Factory opens a Repository for one backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
