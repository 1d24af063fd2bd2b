package task

import "errors"

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrNotFailed is returned when requeue targets a task that is not failed.
	ErrNotFailed = errors.New("task is not failed")
	// ErrClaimRejected is returned when a worker cannot move a task to active,
	// either because it left pending or because its script is already active.
	ErrClaimRejected = errors.New("task claim rejected")
	// ErrNotActive is returned when a terminal write targets a task that is no
	// longer active (for example after clear-all).
	ErrNotActive = errors.New("task is not active")
	// ErrInvalidConcurrency is returned for concurrency values below one.
	ErrInvalidConcurrency = errors.New("concurrency must be a positive integer")
	// ErrUnknownScript is returned when no executable exists for a script.
	ErrUnknownScript = errors.New("no executable for script")
	// ErrInvalidTask is returned when script or url are missing.
	ErrInvalidTask = errors.New("task requires script and url")
)
