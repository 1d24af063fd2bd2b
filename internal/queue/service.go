// Package queue exposes the operations callers use to manage tasks: enqueue,
// inspect, requeue, clear, tune concurrency and compact. It never touches
// dispatch or worker state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/metrics"
	"github.com/JakeFAU/linksniff/internal/process"
	"github.com/JakeFAU/linksniff/internal/scripts"
	"github.com/JakeFAU/linksniff/internal/task"
)

// Settings holds the global concurrency ceiling.
type Settings interface {
	Concurrency() int
	SetConcurrency(n int) error
}

// ScriptCatalog reports whether a site has an executable.
type ScriptCatalog interface {
	Exists(script string) bool
}

// CommandRunner runs a command to completion.
type CommandRunner interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// Maintenance describes the downloader update command.
type Maintenance struct {
	Command []string
	Timeout time.Duration
}

// Service implements the task management operations.
type Service struct {
	store       task.Store
	settings    Settings
	catalog     ScriptCatalog
	runner      CommandRunner
	clock       task.Clock
	maintenance Maintenance
	logger      *zap.Logger
}

// New constructs a Service. catalog and runner may be nil: without a
// catalog every script is accepted, without a runner UpdateTool fails.
func New(
	store task.Store,
	settings Settings,
	catalog ScriptCatalog,
	runner CommandRunner,
	clock task.Clock,
	maintenance Maintenance,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:       store,
		settings:    settings,
		catalog:     catalog,
		runner:      runner,
		clock:       clock,
		maintenance: maintenance,
		logger:      logging.OrNop(logger),
	}
}

// List returns every task, newest first, without logs.
func (s *Service) List(ctx context.Context) ([]task.Task, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Get returns one task with its log.
func (s *Service) Get(ctx context.Context, id int64) (task.Task, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// Enqueue adds a pending task for script.
func (s *Service) Enqueue(ctx context.Context, script, url string) (int64, error) {
	script = strings.TrimSpace(script)
	url = strings.TrimSpace(url)
	if url == "" || !scripts.ValidName(script) {
		return 0, fmt.Errorf("enqueue %q: %w", script, task.ErrInvalidTask)
	}
	if s.catalog != nil && !s.catalog.Exists(script) {
		return 0, fmt.Errorf("enqueue %q: %w", script, task.ErrUnknownScript)
	}
	id, err := s.store.Insert(ctx, script, url, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", script, err)
	}
	s.logger.Info("task enqueued", zap.Int64("task_id", id), zap.String("script", script), zap.String("url", url))
	return id, nil
}

// EnqueueURL derives the script from the URL's host and enqueues it.
func (s *Service) EnqueueURL(ctx context.Context, url string) (int64, string, error) {
	script, err := scripts.ScriptForURL(url)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s", task.ErrInvalidTask, err.Error())
	}
	id, err := s.Enqueue(ctx, script, url)
	return id, script, err
}

// Requeue moves a failed task back to pending.
func (s *Service) Requeue(ctx context.Context, id int64) error {
	if err := s.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue task %d: %w", id, err)
	}
	s.logger.Info("task requeued", zap.Int64("task_id", id))
	return nil
}

// ClearCompleted deletes completed tasks and compacts the store.
func (s *Service) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteByStatus(ctx, task.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	s.logger.Info("completed tasks cleared", zap.Int64("deleted", n))
	return n, s.Compact(ctx)
}

// ClearAll deletes every task and compacts the store. Running workers are
// not stopped; their final write finds no row.
func (s *Service) ClearAll(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear all: %w", err)
	}
	s.logger.Info("all tasks cleared", zap.Int64("deleted", n))
	return n, s.Compact(ctx)
}

// Compact bounds the store's journal.
func (s *Service) Compact(ctx context.Context) error {
	err := s.store.Compact(ctx)
	metrics.ObserveCompaction(err)
	if err != nil {
		return fmt.Errorf("compact store: %w", err)
	}
	return nil
}

// Concurrency returns the current ceiling.
func (s *Service) Concurrency() int {
	return s.settings.Concurrency()
}

// SetConcurrency persists a new ceiling; it applies from the next tick.
func (s *Service) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("set concurrency to %d: %w", n, task.ErrInvalidConcurrency)
	}
	if err := s.settings.SetConcurrency(n); err != nil {
		return fmt.Errorf("set concurrency: %w", err)
	}
	s.logger.Info("concurrency updated", zap.Int("concurrency", n))
	return nil
}

// UpdateTool runs the maintenance command and returns its output.
func (s *Service) UpdateTool(ctx context.Context) (process.Result, error) {
	if s.runner == nil || len(s.maintenance.Command) == 0 {
		return process.Result{}, errors.New("update command is not configured")
	}
	if s.maintenance.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.maintenance.Timeout)
		defer cancel()
	}
	cmd := process.Command{Path: s.maintenance.Command[0], Args: s.maintenance.Command[1:]}
	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("update tool: %w", err)
	}
	s.logger.Info("update command finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("took", res.Stopped.Sub(res.Started)),
	)
	return res, nil
}
