// Package server assembles the daemon from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/linksniff/internal/api"
	"github.com/JakeFAU/linksniff/internal/clock/system"
	"github.com/JakeFAU/linksniff/internal/config"
	"github.com/JakeFAU/linksniff/internal/dispatcher"
	"github.com/JakeFAU/linksniff/internal/hash/sha256"
	"github.com/JakeFAU/linksniff/internal/id/uuid"
	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/process"
	memorypublisher "github.com/JakeFAU/linksniff/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/linksniff/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/linksniff/internal/publisher/redis"
	"github.com/JakeFAU/linksniff/internal/queue"
	"github.com/JakeFAU/linksniff/internal/scheduler"
	"github.com/JakeFAU/linksniff/internal/scripts"
	"github.com/JakeFAU/linksniff/internal/settings"
	storageretry "github.com/JakeFAU/linksniff/internal/storage"
	gcsstorage "github.com/JakeFAU/linksniff/internal/storage/gcs"
	localstorage "github.com/JakeFAU/linksniff/internal/storage/local"
	memorystorage "github.com/JakeFAU/linksniff/internal/storage/memory"
	pgstore "github.com/JakeFAU/linksniff/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/linksniff/internal/storage/sqlite"
	"github.com/JakeFAU/linksniff/internal/task"
	"github.com/JakeFAU/linksniff/internal/telemetry"
	"github.com/JakeFAU/linksniff/internal/worker"
)

const (
	memoryPublisherCapacity = 256
	httpShutdownTimeout     = 10 * time.Second
)

// App contains the application's dependencies. Build wires the task table
// and the management service; Run adds the worker runtime and the HTTP
// surface.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    task.Clock
	store    task.Store
	settings *settings.Store
	registry *scripts.Registry
	runner   *process.Runner
	service  *queue.Service

	pool        *worker.Pool
	coordinator *scheduler.Coordinator
	apiServer   *api.Server
	gcsClient   *storage.Client
	publisher   task.Publisher
	closers     []func() error
	tracer      *sdktrace.TracerProvider
	listener    net.Listener
}

// Build opens the store and settings and creates the management service.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	logger.Info("building application",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("scripts_dir", cfg.Executor.ScriptsDir),
		zap.Int("server_port", cfg.Server.Port),
	)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	st, err := settings.Open(cfg.Settings.Path, cfg.Settings.DefaultConcurrency)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("settings init failed: %w", err)
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		store:    store,
		settings: st,
		registry: scripts.New(cfg.Executor.ScriptsDir, cfg.Executor.ScriptPattern, cfg.Executor.Interpreter),
		runner:   process.NewRunner(),
	}
	a.service = queue.New(
		store,
		st,
		a.registry,
		a.runner,
		a.clock,
		queue.Maintenance{Command: cfg.Maintenance.UpdateCommand, Timeout: cfg.Maintenance.UpdateTimeout},
		logger.Named("queue"),
	)
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Service exposes the management operations.
func (a *App) Service() *queue.Service {
	return a.service
}

// Run fails tasks left active by a previous process, then dispatches tasks
// and serves HTTP until ctx is canceled or a signal arrives. Running
// workers get the shutdown grace period to finish.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.recoverOrphans(ctx); err != nil {
		return err
	}
	if err := a.startRuntime(ctx); err != nil {
		a.closeRuntime(context.Background())
		return err
	}

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.coordinator.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", a.listener.Addr().String()))
		if err := srv.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.GracePeriod)
	defer cancel()
	if err := a.pool.Close(graceCtx); err != nil {
		a.logger.Warn("workers still running at shutdown", zap.Strings("scripts", a.pool.InFlight()), zap.Error(err))
	}
	a.closeRuntime(context.WithoutCancel(ctx))
	return runErr
}

func (a *App) recoverOrphans(ctx context.Context) error {
	n, err := a.store.FailOrphaned(ctx, a.clock.Now())
	if err != nil {
		return fmt.Errorf("fail orphaned tasks: %w", err)
	}
	if n > 0 {
		a.logger.Warn("failed tasks left active by a previous run", zap.Int64("count", n))
	}
	return nil
}

func (a *App) startRuntime(ctx context.Context) error {
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName, a.logger.Named("trace"))
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}

	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	topic, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	w := worker.New(
		a.store,
		a.registry,
		a.runner,
		archive,
		a.publisher,
		a.clock,
		uuid.New(),
		sha256.New(),
		worker.Config{
			OutputDir:     a.cfg.Executor.OutputDir,
			FlushLines:    a.cfg.Executor.FlushLines,
			FlushInterval: a.cfg.Executor.FlushInterval,
			ArchivePrefix: a.cfg.Archive.Prefix,
			Topic:         topic,
		},
		a.logger.Named("worker"),
	)
	a.pool = worker.NewPool(ctx, w, a.logger.Named("pool"))
	d := dispatcher.New(a.store, a.settings, a.pool, a.logger.Named("dispatcher"))

	a.coordinator, err = scheduler.New(ctx, scheduler.Config{
		DispatchInterval: a.cfg.Scheduler.DispatchInterval,
		CompactInterval:  a.cfg.Scheduler.CompactInterval,
		CompactCron:      a.cfg.Scheduler.CompactCron,
	}, d, a.service, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.service, a.cfg.Auth, a.logger.Named("api"))
	a.listener, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)))
	if err != nil {
		_ = a.coordinator.Shutdown()
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (task.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving logs to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return blobStore, nil
	case config.ArchiveLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving logs locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving logs in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("log archive disabled")
		return nil, nil
	}
}

// setupPublisher picks Pub/Sub, then a Redis stream, then the in-memory
// publisher, and returns the topic events are sent to.
func (a *App) setupPublisher(ctx context.Context) (string, error) {
	switch {
	case a.cfg.PubSub.TopicName != "" && a.cfg.PubSub.ProjectID != "":
		p, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
		if err != nil {
			return "", fmt.Errorf("pubsub init failed: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, p.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return a.cfg.PubSub.TopicName, nil
	case a.cfg.Redis.Addr != "":
		p, err := redispublisher.Open(redispublisher.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
			MaxLen:   a.cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			return "", fmt.Errorf("redis init failed: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, p.Close)
		a.logger.Info("Redis stream publisher initialized",
			zap.String("addr", a.cfg.Redis.Addr),
			zap.String("stream", a.cfg.Redis.Stream),
		)
		return a.cfg.Redis.Stream, nil
	default:
		a.logger.Info("no event sink configured, using in-memory publisher")
		a.publisher = memorypublisher.New(memoryPublisherCapacity, a.logger.Named("events"))
		return "", nil
	}
}

func (a *App) closeRuntime(ctx context.Context) {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Close releases the store. Call it once, after Run has returned.
func (a *App) Close() error {
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (task.Store, error) {
	retry := storageretry.Retry{Attempts: cfg.Store.RetryAttempts, Backoff: cfg.Store.RetryBackoff}
	switch cfg.Store.Backend {
	case config.StorePostgres:
		s, err := pgstore.Open(ctx, pgstore.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxOpenConns), //nolint:gosec // validated non-negative, small
			Retry:    retry,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Info("using postgres task store")
		return s, nil
	case config.StoreMemory:
		logger.Warn("using in-memory task store, tasks are lost on exit")
		return memorystorage.NewTaskStore(), nil
	default:
		s, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:         cfg.Store.Path,
			MaxOpenConns: cfg.Store.MaxOpenConns,
			BusyTimeout:  cfg.Store.BusyTimeout,
			Retry:        retry,
		}, logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite task store", zap.String("path", cfg.Store.Path))
		return s, nil
	}
}
