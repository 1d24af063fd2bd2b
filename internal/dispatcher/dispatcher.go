// Package dispatcher decides, once per tick, which pending tasks may start.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/metrics"
	"github.com/JakeFAU/linksniff/internal/task"
)

// Reader is the part of the store a tick reads.
type Reader interface {
	ActiveScripts(ctx context.Context) ([]string, error)
	PendingFIFO(ctx context.Context) ([]task.Task, error)
}

// Launcher hands a task to a worker without blocking.
type Launcher interface {
	// Launch reports false when the task was not started (script already in
	// flight or launcher closed).
	Launch(t task.Task) bool
	// InFlight lists scripts whose worker has not returned yet.
	InFlight() []string
}

// Dispatcher applies the global ceiling and the one-per-script rule.
type Dispatcher struct {
	store    Reader
	limit    task.ConcurrencySource
	launcher Launcher
	logger   *zap.Logger

	mu sync.Mutex
}

// New creates a Dispatcher.
func New(store Reader, limit task.ConcurrencySource, launcher Launcher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		limit:    limit,
		launcher: launcher,
		logger:   logging.OrNop(logger),
	}
}

// Tick runs one dispatch pass and returns how many tasks were launched.
// Concurrent calls are serialized.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	limit := d.limit.Concurrency()

	scripts, err := d.store.ActiveScripts(ctx)
	if err != nil {
		return 0, fmt.Errorf("read active scripts: %w", err)
	}
	active := make(map[string]struct{}, len(scripts))
	for _, s := range scripts {
		active[s] = struct{}{}
	}
	// A launched worker may not have claimed its task yet.
	for _, s := range d.launcher.InFlight() {
		active[s] = struct{}{}
	}
	if limit-len(active) <= 0 {
		return 0, nil
	}

	pending, err := d.store.PendingFIFO(ctx)
	if err != nil {
		return 0, fmt.Errorf("read pending tasks: %w", err)
	}

	launched := 0
	for _, t := range Plan(limit, active, pending) {
		if !d.launcher.Launch(t) {
			continue
		}
		launched++
		metrics.ObserveDispatch(t.Script)
		d.logger.Info("task dispatched",
			zap.Int64("task_id", t.ID),
			zap.String("script", t.Script),
			zap.String("url", t.URL),
		)
	}
	return launched, nil
}

// Plan selects the tasks to start: it walks pending in order, skips tasks
// whose script is active or already selected, and stops when the free slots
// (limit minus active scripts) run out. active is not modified.
func Plan(limit int, active map[string]struct{}, pending []task.Task) []task.Task {
	slots := limit - len(active)
	if slots <= 0 {
		return nil
	}
	taken := make(map[string]struct{}, len(active)+slots)
	for s := range active {
		taken[s] = struct{}{}
	}
	var out []task.Task
	for _, t := range pending {
		if len(out) == slots {
			break
		}
		if _, busy := taken[t.Script]; busy {
			continue
		}
		taken[t.Script] = struct{}{}
		out = append(out, t)
	}
	return out
}
