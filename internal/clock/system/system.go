// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements task.Clock. Readings are truncated to the microsecond
// precision of persisted timestamps so values round-trip unchanged.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
