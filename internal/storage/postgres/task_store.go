// Package postgres provides a Postgres-backed task store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linksniff/internal/storage"
	"github.com/JakeFAU/linksniff/internal/task"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	script     TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('pending', 'active', 'completed', 'failed')),
	added_time TEXT NOT NULL,
	start_time TEXT,
	end_time   TEXT,
	log        TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_added ON tasks (status, added_time, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active_script ON tasks (script) WHERE status = 'active';
`

const (
	insertSQL  = `INSERT INTO tasks (script, url, status, added_time) VALUES ($1, $2, 'pending', $3) RETURNING id`
	getSQL     = `SELECT id, script, url, status, added_time, start_time, end_time, log FROM tasks WHERE id = $1`
	listSQL    = `SELECT id, script, url, status, added_time, start_time, end_time FROM tasks ORDER BY id DESC`
	activeSQL  = `SELECT DISTINCT script FROM tasks WHERE status = 'active' ORDER BY script`
	pendingSQL = `SELECT id, script, url, status, added_time, start_time, end_time FROM tasks
WHERE status = 'pending' ORDER BY added_time ASC, id ASC`
	requeueSQL = `UPDATE tasks SET status = 'pending', log = NULL, start_time = NULL, end_time = NULL
WHERE id = $1 AND status = 'failed'`
	statusSQL         = `SELECT status FROM tasks WHERE id = $1`
	deleteByStatusSQL = `DELETE FROM tasks WHERE status = $1`
	deleteAllSQL      = `DELETE FROM tasks`
	failOrphanedSQL   = `UPDATE tasks SET status = 'failed', end_time = $1 WHERE status = 'active'`
	markActiveSQL     = `UPDATE tasks t SET status = 'active', start_time = $1
WHERE t.id = $2 AND t.status = 'pending'
AND NOT EXISTS (SELECT 1 FROM tasks o WHERE o.script = t.script AND o.status = 'active')`
	saveLogSQL = `UPDATE tasks SET log = $1 WHERE id = $2`
	finishSQL  = `UPDATE tasks SET status = $1, end_time = $2 WHERE id = $3 AND status = 'active'`
	vacuumSQL  = `VACUUM (ANALYZE) tasks`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	Retry           storage.Retry
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements task.Store on Postgres. Every statement acquires its own
// pooled connection, so sessions need no pinning.
type Store struct {
	pool  pool
	retry storage.Retry
}

var _ task.Store = (*Store)(nil)

// Open connects, then creates the table and indexes if missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := p.Exec(ctx, schemaSQL); err != nil {
		p.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewWithPool(p, cfg.Retry)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, retry storage.Retry) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	retry.Transient = IsTransient
	return &Store{pool: p, retry: retry}, nil
}

// IsTransient reports serialization failures, deadlocks and lock timeouts.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	default:
		return false
	}
}

// Insert adds a pending task and returns its id.
func (s *Store) Insert(ctx context.Context, script, url string, added time.Time) (int64, error) {
	if script == "" || url == "" {
		return 0, task.ErrInvalidTask
	}
	var id int64
	err := s.retry.Do(ctx, "insert task", func() error {
		return s.pool.QueryRow(ctx, insertSQL, script, url, task.FormatTime(added)).Scan(&id)
	})
	return id, err
}

// Get fetches one task including its log.
func (s *Store) Get(ctx context.Context, id int64) (task.Task, error) {
	var r storage.TaskRow
	err := s.retry.Do(ctx, "get task", func() error {
		return s.pool.QueryRow(ctx, getSQL, id).Scan(
			&r.ID, &r.Script, &r.URL, &r.Status, &r.AddedTime, &r.StartTime, &r.EndTime, &r.Log,
		)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	return r.Task()
}

// List returns every task without its log, newest first.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	return s.queryTasks(ctx, "list tasks", listSQL)
}

// PendingFIFO returns pending tasks oldest first.
func (s *Store) PendingFIFO(ctx context.Context) ([]task.Task, error) {
	return s.queryTasks(ctx, "list pending", pendingSQL)
}

func (s *Store) queryTasks(ctx context.Context, op, query string) ([]task.Task, error) {
	var out []storage.TaskRow
	err := s.retry.Do(ctx, op, func() error {
		out = out[:0]
		rows, err := s.pool.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r storage.TaskRow
			if err := rows.Scan(&r.ID, &r.Script, &r.URL, &r.Status, &r.AddedTime, &r.StartTime, &r.EndTime); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return storage.Tasks(out)
}

// ActiveScripts returns the distinct scripts that have an active task.
func (s *Store) ActiveScripts(ctx context.Context) ([]string, error) {
	var scripts []string
	err := s.retry.Do(ctx, "list active scripts", func() error {
		scripts = scripts[:0]
		rows, err := s.pool.Query(ctx, activeSQL)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var script string
			if err := rows.Scan(&script); err != nil {
				return err
			}
			scripts = append(scripts, script)
		}
		return rows.Err()
	})
	return scripts, err
}

// Requeue resets a failed task to pending in one statement.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	n, err := s.exec(ctx, "requeue task", requeueSQL, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.retry.Do(ctx, "requeue lookup", func() error {
		return s.pool.QueryRow(ctx, statusSQL, id).Scan(&status)
	})
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.exec(ctx, "delete tasks by status", deleteByStatusSQL, string(status))
}

// DeleteAll removes every task.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	return s.exec(ctx, "delete all tasks", deleteAllSQL)
}

// FailOrphaned fails tasks left active by a previous process.
func (s *Store) FailOrphaned(ctx context.Context, at time.Time) (int64, error) {
	return s.exec(ctx, "fail orphaned tasks", failOrphanedSQL, task.FormatTime(at))
}

// Compact reclaims space left by deleted rows.
func (s *Store) Compact(ctx context.Context) error {
	_, err := s.exec(ctx, "compact", vacuumSQL)
	return err
}

// Session returns a handle for one worker's writes.
func (s *Store) Session(context.Context) (task.Session, error) {
	return session{s}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, op, func() error {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

type session struct {
	s *Store
}

func (ss session) MarkActive(ctx context.Context, id int64, started time.Time) error {
	n, err := ss.s.exec(ctx, "mark task active", markActiveSQL, task.FormatTime(started), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrClaimRejected
	}
	return nil
}

func (ss session) SaveLog(ctx context.Context, id int64, log string) error {
	_, err := ss.s.exec(ctx, "save task log", saveLogSQL, log, id)
	return err
}

func (ss session) Finish(ctx context.Context, id int64, status task.Status, ended time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %d: %q is not a terminal status", id, status)
	}
	n, err := ss.s.exec(ctx, "finish task", finishSQL, string(status), task.FormatTime(ended), id)
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotActive
	}
	return nil
}

func (session) Close() error {
	return nil
}
