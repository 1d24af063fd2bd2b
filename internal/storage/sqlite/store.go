// Package sqlite persists tasks in a SQLite database running in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/linksniff/internal/logging"
	"github.com/JakeFAU/linksniff/internal/storage"
	"github.com/JakeFAU/linksniff/internal/task"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	script     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('pending', 'active', 'completed', 'failed')),
	added_time TEXT NOT NULL,
	start_time TEXT,
	end_time   TEXT,
	log        TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_added ON tasks (status, added_time, id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active_script ON tasks (script) WHERE status = 'active'`,
}

const (
	insertSQL = `INSERT INTO tasks (script, url, status, added_time) VALUES (?, ?, 'pending', ?)`
	getSQL    = `SELECT id, script, url, status, added_time, start_time, end_time, log FROM tasks WHERE id = ?`
	listSQL   = `SELECT id, script, url, status, added_time, start_time, end_time FROM tasks ORDER BY id DESC`
	activeSQL = `SELECT DISTINCT script FROM tasks WHERE status = 'active' ORDER BY script`
	pendingSQL = `SELECT id, script, url, status, added_time, start_time, end_time FROM tasks
WHERE status = 'pending' ORDER BY added_time ASC, id ASC`
	requeueSQL = `UPDATE tasks SET status = 'pending', log = NULL, start_time = NULL, end_time = NULL
WHERE id = ? AND status = 'failed'`
	statusSQL         = `SELECT status FROM tasks WHERE id = ?`
	deleteByStatusSQL = `DELETE FROM tasks WHERE status = ?`
	deleteAllSQL      = `DELETE FROM tasks`
	failOrphanedSQL   = `UPDATE tasks SET status = 'failed', end_time = ? WHERE status = 'active'`
	markActiveSQL     = `UPDATE tasks SET status = 'active', start_time = ?
WHERE id = ? AND status = 'pending'
AND NOT EXISTS (SELECT 1 FROM tasks AS other WHERE other.script = tasks.script AND other.status = 'active')`
	saveLogSQL    = `UPDATE tasks SET log = ? WHERE id = ?`
	finishSQL     = `UPDATE tasks SET status = ?, end_time = ? WHERE id = ? AND status = 'active'`
	checkpointSQL = `PRAGMA wal_checkpoint(TRUNCATE)`
)

// Config controls how the database file is opened.
type Config struct {
	Path string
	// MaxOpenConns caps the pool; zero leaves it unbounded so every worker
	// can hold its own connection.
	MaxOpenConns int
	BusyTimeout  time.Duration
	Retry        storage.Retry
}

// querier is satisfied by both *sqlx.DB and *sqlx.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// Store implements task.Store on SQLite.
type Store struct {
	db     *sqlx.DB
	retry  storage.Retry
	logger *zap.Logger
}

var _ task.Store = (*Store)(nil)

// Open creates the database file if needed, enables WAL, and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return New(db, cfg.Retry, logger), nil
}

// New wraps an existing handle (primarily for testing). The schema is not applied.
func New(db *sqlx.DB, retry storage.Retry, logger *zap.Logger) *Store {
	retry.Transient = IsBusy
	return &Store{db: db, retry: retry, logger: logging.OrNop(logger)}
}

func dsn(cfg Config) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, timeout.Milliseconds(),
	)
}

// IsBusy reports whether err is SQLite lock contention (BUSY or LOCKED).
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// Insert adds a pending task and returns its id.
func (s *Store) Insert(ctx context.Context, script, url string, added time.Time) (int64, error) {
	if script == "" || url == "" {
		return 0, task.ErrInvalidTask
	}
	var id int64
	err := s.retry.Do(ctx, "insert task", func() error {
		res, err := s.db.ExecContext(ctx, insertSQL, script, url, task.FormatTime(added))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Get fetches one task including its log.
func (s *Store) Get(ctx context.Context, id int64) (task.Task, error) {
	var row storage.TaskRow
	err := s.retry.Do(ctx, "get task", func() error {
		return s.db.GetContext(ctx, &row, getSQL, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	return row.Task()
}

// List returns every task without its log, newest first.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	return s.selectTasks(ctx, "list tasks", listSQL)
}

// PendingFIFO returns pending tasks oldest first.
func (s *Store) PendingFIFO(ctx context.Context) ([]task.Task, error) {
	return s.selectTasks(ctx, "list pending", pendingSQL)
}

func (s *Store) selectTasks(ctx context.Context, op, query string) ([]task.Task, error) {
	var rows []storage.TaskRow
	err := s.retry.Do(ctx, op, func() error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, err
	}
	return storage.Tasks(rows)
}

// ActiveScripts returns the distinct scripts that have an active task.
func (s *Store) ActiveScripts(ctx context.Context) ([]string, error) {
	var scripts []string
	err := s.retry.Do(ctx, "list active scripts", func() error {
		scripts = scripts[:0]
		return s.db.SelectContext(ctx, &scripts, activeSQL)
	})
	return scripts, err
}

// Requeue resets a failed task to pending in one statement.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	n, err := s.exec(ctx, s.db, "requeue task", requeueSQL, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.retry.Do(ctx, "requeue lookup", func() error {
		return s.db.GetContext(ctx, &status, statusSQL, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return task.ErrNotFound
	}
	if err != nil {
		return err
	}
	return task.ErrNotFailed
}

// DeleteByStatus removes every task in status.
func (s *Store) DeleteByStatus(ctx context.Context, status task.Status) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("delete tasks: unknown status %q", status)
	}
	return s.exec(ctx, s.db, "delete tasks by status", deleteByStatusSQL, string(status))
}

// DeleteAll removes every task.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	return s.exec(ctx, s.db, "delete all tasks", deleteAllSQL)
}

// FailOrphaned fails tasks left active by a previous process.
func (s *Store) FailOrphaned(ctx context.Context, at time.Time) (int64, error) {
	return s.exec(ctx, s.db, "fail orphaned tasks", failOrphanedSQL, task.FormatTime(at))
}

// Compact folds the WAL back into the main database file and truncates it.
// It is safe to run alongside readers and writers; a checkpoint that cannot
// finish because of active readers is reported at debug level only.
func (s *Store) Compact(ctx context.Context) error {
	var busy, logFrames, checkpointed int
	err := s.retry.Do(ctx, "compact", func() error {
		return s.db.QueryRowxContext(ctx, checkpointSQL).Scan(&busy, &logFrames, &checkpointed)
	})
	if err != nil {
		return err
	}
	if busy != 0 {
		s.logger.Debug("wal checkpoint incomplete",
			zap.Int("log_frames", logFrames),
			zap.Int("checkpointed", checkpointed),
		)
	}
	return nil
}

// Session pins one pooled connection for a worker.
func (s *Store) Session(ctx context.Context) (task.Session, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{store: s, conn: conn}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, q querier, op, query string, args ...any) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, op, func() error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

type session struct {
	store *Store
	conn  *sqlx.Conn
}

func (ss *session) MarkActive(ctx context.Context, id int64, started time.Time) error {
	n, err := ss.store.exec(ctx, ss.conn, "mark task active", markActiveSQL, task.FormatTime(started), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrClaimRejected
	}
	return nil
}

func (ss *session) SaveLog(ctx context.Context, id int64, log string) error {
	_, err := ss.store.exec(ctx, ss.conn, "save task log", saveLogSQL, log, id)
	return err
}

func (ss *session) Finish(ctx context.Context, id int64, status task.Status, ended time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %d: %q is not a terminal status", id, status)
	}
	n, err := ss.store.exec(ctx, ss.conn, "finish task", finishSQL, string(status), task.FormatTime(ended), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotActive
	}
	return nil
}

func (ss *session) Close() error {
	if err := ss.conn.Close(); err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
	return nil
}
