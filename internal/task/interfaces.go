package task

import (
	"context"
	"time"
)

// Store persists the task table. Every mutation is a single statement.
type Store interface {
	Insert(ctx context.Context, script, url string, added time.Time) (int64, error)
	Get(ctx context.Context, id int64) (Task, error)
	// List returns every task without its log, newest id first.
	List(ctx context.Context) ([]Task, error)
	ActiveScripts(ctx context.Context) ([]string, error)
	// PendingFIFO returns pending tasks ordered by added time, then id.
	PendingFIFO(ctx context.Context) ([]Task, error)
	// Requeue moves a failed task back to pending and clears log, start and end.
	Requeue(ctx context.Context, id int64) error
	DeleteByStatus(ctx context.Context, status Status) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	// FailOrphaned fails every active task; used at startup when no worker
	// can own them.
	FailOrphaned(ctx context.Context, at time.Time) (int64, error)
	Compact(ctx context.Context) error
	// Session returns a handle bound to a dedicated connection for one worker.
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session carries the writes a worker makes for the task it owns.
type Session interface {
	MarkActive(ctx context.Context, id int64, started time.Time) error
	// SaveLog replaces the whole log field.
	SaveLog(ctx context.Context, id int64, log string) error
	Finish(ctx context.Context, id int64, status Status, ended time.Time) error
	Close() error
}

// ConcurrencySource supplies the global ceiling read once per dispatch tick.
type ConcurrencySource interface {
	Concurrency() int
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests archived logs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
