package scheduler

import (
	"context"
	"errors"
	"sync"

	"rawgetl/internal/resource"
)

// ErrAlreadyRunning is returned when a run is triggered for a resource that
// already has one in flight.
var ErrAlreadyRunning = errors.New("run already in progress")

// RunGuard allows at most one in-flight run per resource.
type RunGuard struct {
	mu      sync.Mutex
	running map[resource.Kind]struct{}
	idle    chan struct{}
}

func NewRunGuard() *RunGuard {
	return &RunGuard{running: map[resource.Kind]struct{}{}}
}

// TryLock claims k. It returns false if k is already held.
func (g *RunGuard) TryLock(k resource.Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[k]; busy {
		return false
	}
	g.running[k] = struct{}{}
	return true
}

// Unlock releases k. Unlocking a free kind is a no-op.
func (g *RunGuard) Unlock(k resource.Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, k)
	if len(g.running) == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
}

// Running reports whether k is held.
func (g *RunGuard) Running(k resource.Kind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.running[k]
	return busy
}

// Wait blocks until no kind is held or ctx is done.
func (g *RunGuard) Wait(ctx context.Context) error {
	g.mu.Lock()
	if len(g.running) == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
