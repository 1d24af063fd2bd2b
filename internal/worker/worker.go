// Package worker supervises one site executable per task, persisting its
// output and final status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/metrics"
	"github.com/JakeFAU/linksniff/internal/process"
	"github.com/JakeFAU/linksniff/internal/task"
)

const tracerName = "github.com/JakeFAU/linksniff/internal/worker"

// Config controls Worker behavior.
type Config struct {
	// OutputDir holds one subdirectory per script; processes run inside it.
	OutputDir     string
	FlushLines    int
	FlushInterval time.Duration
	ArchivePrefix string
	Topic         string
}

// SessionOpener hands out store sessions.
type SessionOpener interface {
	Session(ctx context.Context) (task.Session, error)
}

// CommandResolver builds the invocation for a task.
type CommandResolver interface {
	Command(script, url, workDir string) process.Command
}

// Starter launches processes.
type Starter interface {
	Start(ctx context.Context, cmd process.Command) (process.Process, error)
}

// Worker runs tasks end to end. It is safe for concurrent use; each Run
// owns its own session and buffers.
type Worker struct {
	sessions  SessionOpener
	resolver  CommandResolver
	starter   Starter
	archive   task.BlobStore
	publisher task.Publisher
	clock     task.Clock
	ids       task.IDGenerator
	hasher    task.Hasher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archive, publisher, ids and hasher may be nil.
func New(
	sessions SessionOpener,
	resolver CommandResolver,
	starter Starter,
	archive task.BlobStore,
	publisher task.Publisher,
	clock task.Clock,
	ids task.IDGenerator,
	hasher task.Hasher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.FlushLines <= 0 {
		cfg.FlushLines = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "logs"
	}
	return &Worker{
		sessions:  sessions,
		resolver:  resolver,
		starter:   starter,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Run claims t, supervises its process and records the outcome. Once the
// claim succeeds the task always ends completed or failed, including when
// supervision errors or panics. A rejected claim returns nil.
func (w *Worker) Run(ctx context.Context, t task.Task) (err error) {
	runID := w.newRunID()
	logger := w.logger.With(
		zap.Int64("task_id", t.ID),
		zap.String("script", t.Script),
		zap.String("run_id", runID),
	)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.run", trace.WithAttributes(
		attribute.Int64("task.id", t.ID),
		attribute.String("task.script", t.Script),
		attribute.String("task.run_id", runID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sess, err := w.sessions.Session(ctx)
	if err != nil {
		return fmt.Errorf("open session for task %d: %w", t.ID, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("release session failed", zap.Error(cerr))
		}
	}()

	started := w.clock.Now()
	if err := sess.MarkActive(ctx, t.ID, started); err != nil {
		if errors.Is(err, task.ErrClaimRejected) {
			logger.Info("task claim rejected")
			return nil
		}
		return fmt.Errorf("claim task %d: %w", t.ID, err)
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	logger.Info("task started", zap.String("url", t.URL))

	buf := newLogBuffer(w.cfg.FlushLines, w.cfg.FlushInterval, time.Now())
	rec := task.Event{TaskID: t.ID, RunID: runID, Script: t.Script, URL: t.URL, StartedAt: started, ExitCode: -1}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
		if err != nil {
			logger.Error("task supervision failed", zap.Error(err))
			w.forceFail(ctx, sess, t, buf, rec, logger)
		}
	}()

	code, err := w.supervise(ctx, sess, t, buf, logger)
	if err != nil {
		return err
	}

	status := task.StatusFailed
	if code == 0 {
		status = task.StatusCompleted
	}
	ended := w.clock.Now()
	if err := sess.Finish(ctx, t.ID, status, ended); err != nil {
		if errors.Is(err, task.ErrNotActive) {
			logger.Warn("task left active state while running")
			return nil
		}
		return fmt.Errorf("finish task %d: %w", t.ID, err)
	}

	metrics.ObserveFinished(t.Script, string(status), ended.Sub(started))
	logger.Info("task finished",
		zap.String("status", string(status)),
		zap.Int("exit_code", code),
		zap.Duration("duration", ended.Sub(started)),
	)
	span.SetAttributes(attribute.String("task.status", string(status)), attribute.Int("task.exit_code", code))
	rec.Status, rec.FinishedAt, rec.ExitCode = status, ended, code
	w.afterFinish(ctx, rec, buf.String(), logger)
	return nil
}

func (w *Worker) supervise(
	ctx context.Context,
	sess task.Session,
	t task.Task,
	buf *logBuffer,
	logger *zap.Logger,
) (int, error) {
	dir := filepath.Join(w.cfg.OutputDir, t.Script)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // media directories are shared
		return -1, fmt.Errorf("create output dir: %w", err)
	}

	proc, err := w.starter.Start(ctx, w.resolver.Command(t.Script, t.URL, dir))
	if err != nil {
		return -1, fmt.Errorf("start process: %w", err)
	}
	logger.Debug("process started", zap.Int("pid", proc.PID()), zap.String("dir", dir))

	// Until Wait has run, any exit from here (including a panic) must stop
	// and reap the process so it cannot outlive the task.
	reaped := false
	defer func() {
		if !reaped {
			w.abandon(proc, logger)
		}
	}()

	if err := w.stream(ctx, sess, t.ID, proc, buf, logger); err != nil {
		return -1, fmt.Errorf("read process output: %w", err)
	}
	code, waitErr := proc.Wait()
	reaped = true
	if waitErr != nil {
		return code, waitErr
	}
	if err := w.flush(ctx, sess, t.ID, buf, metrics.FlushFinal); err != nil {
		return code, fmt.Errorf("final log flush: %w", err)
	}
	return code, nil
}

// abandon stops a process whose output can no longer be consumed and reaps it.
func (w *Worker) abandon(proc process.Process, logger *zap.Logger) {
	if err := proc.Abandon(); err != nil {
		logger.Warn("stop process failed", zap.Int("pid", proc.PID()), zap.Error(err))
	}
	if _, err := proc.Wait(); err != nil {
		logger.Warn("reap process failed", zap.Int("pid", proc.PID()), zap.Error(err))
	}
}

// stream copies output into buf until EOF, flushing on the line and time
// thresholds. Intermediate flush failures are logged; the next flush writes
// the whole log again.
func (w *Worker) stream(
	ctx context.Context,
	sess task.Session,
	id int64,
	proc process.Process,
	buf *logBuffer,
	logger *zap.Logger,
) error {
	done := make(chan struct{})
	defer close(done)
	lines, readErr := readLines(proc.Output(), done)

	timer := time.NewTimer(w.cfg.FlushInterval)
	defer timer.Stop()

	flush := func(reason string) {
		if err := w.flush(ctx, sess, id, buf, reason); err != nil {
			logger.Warn("log flush failed", zap.String("reason", reason), zap.Error(err))
		}
		timer.Reset(w.cfg.FlushInterval)
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if reason, due := buf.Add(line, time.Now()); due {
				flush(reason)
			}
		case now := <-timer.C:
			if buf.Pending() > 0 && buf.DueByTime(now) {
				flush(metrics.FlushTimer)
				continue
			}
			timer.Reset(w.cfg.FlushInterval)
		}
	}
}

func (w *Worker) flush(ctx context.Context, sess task.Session, id int64, buf *logBuffer, reason string) error {
	if err := sess.SaveLog(ctx, id, buf.String()); err != nil {
		return err
	}
	buf.MarkFlushed(time.Now())
	metrics.ObserveLogFlush(reason)
	return nil
}

func (w *Worker) forceFail(
	ctx context.Context,
	sess task.Session,
	t task.Task,
	buf *logBuffer,
	rec task.Event,
	logger *zap.Logger,
) {
	if buf.Len() > 0 {
		if err := sess.SaveLog(ctx, t.ID, buf.String()); err != nil {
			logger.Warn("save partial log failed", zap.Error(err))
		}
	}
	ended := w.clock.Now()
	if err := sess.Finish(ctx, t.ID, task.StatusFailed, ended); err != nil {
		if !errors.Is(err, task.ErrNotActive) {
			logger.Error("mark task failed", zap.Error(err))
		}
		return
	}
	metrics.ObserveFinished(t.Script, string(task.StatusFailed), ended.Sub(rec.StartedAt))
	rec.Status, rec.FinishedAt = task.StatusFailed, ended
	w.afterFinish(ctx, rec, buf.String(), logger)
}

// afterFinish archives the log and publishes the lifecycle event. Failures
// never change the task.
func (w *Worker) afterFinish(ctx context.Context, rec task.Event, log string, logger *zap.Logger) {
	if w.archive != nil {
		uri, err := w.archive.PutObject(ctx, w.archivePath(rec), "text/plain; charset=utf-8", []byte(log))
		if err != nil {
			logger.Warn("archive task log failed", zap.Error(err))
		} else {
			rec.LogURI = uri
			rec.LogSHA256 = w.digest([]byte(log), logger)
		}
	}
	if w.publisher != nil {
		if _, err := w.publisher.Publish(ctx, w.cfg.Topic, rec); err != nil {
			logger.Warn("publish task event failed", zap.Error(err))
		}
	}
}

func (w *Worker) digest(data []byte, logger *zap.Logger) string {
	if w.hasher == nil {
		return ""
	}
	sum, err := w.hasher.Hash(data)
	if err != nil {
		logger.Warn("hash task log failed", zap.Error(err))
		return ""
	}
	return sum
}

func (w *Worker) archivePath(rec task.Event) string {
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	name := rec.RunID
	if name == "" {
		name = rec.FinishedAt.UTC().Format("20060102T150405Z")
	}
	return fmt.Sprintf("%s/%s/%d/%s.log", prefix, rec.Script, rec.TaskID, name)
}

func (w *Worker) newRunID() string {
	if w.ids == nil {
		return ""
	}
	id, err := w.ids.NewID()
	if err != nil {
		w.logger.Warn("generate run id failed", zap.Error(err))
		return ""
	}
	return id
}
