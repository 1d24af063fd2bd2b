// Package scheduler drives dispatch ticks and store compaction on a timer.
package scheduler

import (
	"context"
	"fmt"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/metrics"
)

// Dispatcher runs one dispatch pass.
type Dispatcher interface {
	Tick(ctx context.Context) (int, error)
}

// Compactor reclaims store space.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Config sets the job cadence. CompactCron takes precedence over
// CompactInterval; when both are empty no compaction job is registered.
type Config struct {
	DispatchInterval time.Duration
	CompactInterval  time.Duration
	CompactCron      string
}

// Coordinator owns the gocron scheduler.
type Coordinator struct {
	sched      gocron.Scheduler
	dispatcher Dispatcher
	compactor  Compactor
	logger     *zap.Logger
}

// New registers the dispatch job and, when configured, the compaction job.
// Jobs run with ctx until Shutdown.
func New(ctx context.Context, cfg Config, dispatcher Dispatcher, compactor Compactor, logger *zap.Logger) (*Coordinator, error) {
	if cfg.DispatchInterval <= 0 {
		return nil, fmt.Errorf("dispatch interval must be positive")
	}
	logger = logging.OrNop(logger)
	sched, err := gocron.NewScheduler(gocron.WithLogger(logging.Scheduler(logger)))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	c := &Coordinator{sched: sched, dispatcher: dispatcher, compactor: compactor, logger: logger}

	_, err = sched.NewJob(
		gocron.DurationJob(cfg.DispatchInterval),
		gocron.NewTask(func() { c.dispatch(ctx) }),
		gocron.WithName("dispatch"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("initializing dispatch job: %w", err)
	}

	if compactor != nil {
		var def gocron.JobDefinition
		switch {
		case cfg.CompactCron != "":
			def = gocron.CronJob(cfg.CompactCron, false)
		case cfg.CompactInterval > 0:
			def = gocron.DurationJob(cfg.CompactInterval)
		}
		if def != nil {
			_, err = sched.NewJob(
				def,
				gocron.NewTask(func() { c.compact(ctx) }),
				gocron.WithName("compact"),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				_ = sched.Shutdown()
				return nil, fmt.Errorf("initializing compaction job: %w", err)
			}
		}
	}
	return c, nil
}

// Start begins running jobs. The first dispatch tick fires immediately.
func (c *Coordinator) Start() {
	c.sched.Start()
	c.logger.Info("coordinator started", zap.Int("jobs", len(c.sched.Jobs())))
}

// Run starts the scheduler and blocks until ctx is done, then shuts it down.
func (c *Coordinator) Run(ctx context.Context) error {
	c.Start()
	<-ctx.Done()
	return c.Shutdown()
}

// Shutdown stops scheduling and waits for running jobs.
func (c *Coordinator) Shutdown() error {
	if err := c.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutting down scheduler: %w", err)
	}
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ObserveTick(metrics.TickPanic)
			c.logger.Error("dispatch tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	launched, err := c.dispatcher.Tick(ctx)
	switch {
	case err != nil:
		metrics.ObserveTick(metrics.TickError)
		c.logger.Warn("dispatch tick failed", zap.Error(err))
	case launched == 0:
		metrics.ObserveTick(metrics.TickIdle)
	default:
		metrics.ObserveTick(metrics.TickOK)
		c.logger.Debug("dispatch tick", zap.Int("launched", launched))
	}
}

func (c *Coordinator) compact(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("compaction panicked", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	if err := c.compactor.Compact(ctx); err != nil {
		c.logger.Warn("compaction failed", zap.Error(err))
		return
	}
	c.logger.Debug("compaction finished", zap.Duration("took", time.Since(start)))
}
