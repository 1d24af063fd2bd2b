package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linksniff/internal/task"
)

// TaskStore is an in-memory task.Store. It mirrors the conditional update
// rules of the SQL backends.
type TaskStore struct {
	mu     sync.RWMutex
	nextID int64
	tasks  map[int64]task.Task
}

var _ task.Store = (*TaskStore)(nil)

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[int64]task.Task)}
}

// Insert stores a new pending task and returns its id.
func (s *TaskStore) Insert(_ context.Context, script, url string, added time.Time) (int64, error) {
	if script == "" || url == "" {
		return 0, task.ErrInvalidTask
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.tasks[s.nextID] = task.Task{
		ID:     s.nextID,
		Script: script,
		URL:    url,
		Status: task.StatusPending,
		Added:  added.UTC(),
	}
	return s.nextID, nil
}

// Get fetches a task by id, including its log.
func (s *TaskStore) Get(_ context.Context, id int64) (task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}
	return cloneTask(t), nil
}

// List returns all tasks without logs, newest id first.
func (s *TaskStore) List(_ context.Context) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t = cloneTask(t)
		t.Log = nil
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ActiveScripts returns the distinct scripts with an active task.
func (s *TaskStore) ActiveScripts(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, t := range s.tasks {
		if t.Status == task.StatusActive {
			seen[t.Script] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for script := range seen {
		out = append(out, script)
	}
	sort.Strings(out)
	return out, nil
}

// PendingFIFO returns pending tasks oldest first.
func (s *TaskStore) PendingFIFO(_ context.Context) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0)
	for _, t := range s.tasks {
		if t.Status == task.StatusPending {
			t = cloneTask(t)
			t.Log = nil
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Added.Equal(out[j].Added) {
			return out[i].Added.Before(out[j].Added)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Requeue moves a failed task back to pending.
func (s *TaskStore) Requeue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if t.Status != task.StatusFailed {
		return task.ErrNotFailed
	}
	t.Status = task.StatusPending
	t.Log, t.Started, t.Ended = nil, nil, nil
	s.tasks[id] = t
	return nil
}

// DeleteByStatus removes every task in status.
func (s *TaskStore) DeleteByStatus(_ context.Context, status task.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status == status {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// DeleteAll removes every task. Ids are not reused afterwards.
func (s *TaskStore) DeleteAll(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.tasks))
	s.tasks = make(map[int64]task.Task)
	return n, nil
}

// FailOrphaned fails every active task.
func (s *TaskStore) FailOrphaned(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status == task.StatusActive {
			t.Status = task.StatusFailed
			t.Ended = pointerTime(at)
			s.tasks[id] = t
			n++
		}
	}
	return n, nil
}

// Compact is a no-op for the in-memory store.
func (s *TaskStore) Compact(context.Context) error {
	return nil
}

// Session returns the store itself; there are no connections to pin.
func (s *TaskStore) Session(context.Context) (task.Session, error) {
	return session{s}, nil
}

// Close is a no-op.
func (s *TaskStore) Close() error {
	return nil
}

type session struct {
	s *TaskStore
}

func (ss session) MarkActive(_ context.Context, id int64, started time.Time) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusPending {
		return task.ErrClaimRejected
	}
	for _, other := range s.tasks {
		if other.Status == task.StatusActive && other.Script == t.Script {
			return task.ErrClaimRejected
		}
	}
	t.Status = task.StatusActive
	t.Started = pointerTime(started)
	s.tasks[id] = t
	return nil
}

func (ss session) SaveLog(_ context.Context, id int64, log string) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Log = &log
	s.tasks[id] = t
	return nil
}

func (ss session) Finish(_ context.Context, id int64, status task.Status, ended time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish task %d: %q is not a terminal status", id, status)
	}
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusActive {
		return task.ErrNotActive
	}
	t.Status = status
	t.Ended = pointerTime(ended)
	s.tasks[id] = t
	return nil
}

func (session) Close() error {
	return nil
}

func cloneTask(t task.Task) task.Task {
	if t.Log != nil {
		log := *t.Log
		t.Log = &log
	}
	if t.Started != nil {
		t.Started = pointerTime(*t.Started)
	}
	if t.Ended != nil {
		t.Ended = pointerTime(*t.Ended)
	}
	return t
}

func pointerTime(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
