// Package task defines the task model and the ports shared across subsystems.
package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

// Status values persisted in the task table.
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four persisted states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends a worker run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a persisted value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown task status %q", v)
	}
	return s, nil
}

// Task is one download job keyed by script and URL.
type Task struct {
	ID      int64      `json:"id"`
	Script  string     `json:"script"`
	URL     string     `json:"url"`
	Status  Status     `json:"status"`
	Added   time.Time  `json:"added"`
	Started *time.Time `json:"start,omitempty"`
	Ended   *time.Time `json:"end,omitempty"`
	// Log is nil until the first flush.
	Log *string `json:"log,omitempty"`
}

// TimeLayout is the persisted ISO-8601 UTC layout. It is fixed width so
// lexicographic and chronological order agree.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a persisted timestamp. RFC 3339 values written by other
// tools are accepted too.
func ParseTime(v string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// Event is published after a task reaches a terminal state.
type Event struct {
	TaskID     int64     `json:"task_id"`
	RunID      string    `json:"run_id"`
	Script     string    `json:"script"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   int       `json:"exit_code"`
	LogURI     string    `json:"log_uri,omitempty"`
	// LogSHA256 is the hex digest of the archived log.
	LogSHA256  string    `json:"log_sha256,omitempty"`
}
