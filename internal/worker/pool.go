package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/task"
)

// TaskRunner executes one task to completion.
type TaskRunner interface {
	Run(ctx context.Context, t task.Task) error
}

// Pool runs one goroutine per launched task and remembers which scripts
// have a worker that may not have claimed its row yet.
type Pool struct {
	ctx    context.Context
	runner TaskRunner
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]int64
	closed   bool
	wg       sync.WaitGroup
}

// NewPool creates a pool. Workers inherit ctx values but not its
// cancellation; a started task always runs to the end.
func NewPool(ctx context.Context, runner TaskRunner, logger *zap.Logger) *Pool {
	return &Pool{
		ctx:      context.WithoutCancel(ctx),
		runner:   runner,
		logger:   logging.OrNop(logger),
		inFlight: make(map[string]int64),
	}
}

// Launch starts t in the background. It refuses a script that already has
// a worker in flight and any launch after Close.
func (p *Pool) Launch(t task.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, busy := p.inFlight[t.Script]; busy {
		return false
	}
	p.inFlight[t.Script] = t.ID
	p.wg.Add(1)
	go p.run(t)
	return true
}

func (p *Pool) run(t task.Task) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, t.Script)
		p.mu.Unlock()
	}()
	if err := p.runner.Run(p.ctx, t); err != nil {
		p.logger.Error("worker exited with error", zap.Int64("task_id", t.ID), zap.Error(err))
	}
}

// InFlight lists the scripts with a running worker, sorted.
func (p *Pool) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	scripts := make([]string, 0, len(p.inFlight))
	for s := range p.inFlight {
		scripts = append(scripts, s)
	}
	sort.Strings(scripts)
	return scripts
}

// Close stops new launches and waits for running workers or ctx, whichever
// comes first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}
