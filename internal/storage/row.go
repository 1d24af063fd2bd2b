// Package storage holds helpers shared by the task store backends.
package storage

import (
	"database/sql"
	"fmt"

	"github.com/JakeFAU/linksniff/internal/task"
)

// TaskRow is the persisted shape of a task. Timestamps are ISO-8601 text.
type TaskRow struct {
	ID        int64          `db:"id"`
	Script    string         `db:"script"`
	URL       string         `db:"url"`
	Status    string         `db:"status"`
	AddedTime string         `db:"added_time"`
	StartTime sql.NullString `db:"start_time"`
	EndTime   sql.NullString `db:"end_time"`
	Log       sql.NullString `db:"log"`
}

// Task converts the row into the domain model.
func (r TaskRow) Task() (task.Task, error) {
	status, err := task.ParseStatus(r.Status)
	if err != nil {
		return task.Task{}, fmt.Errorf("task %d: %w", r.ID, err)
	}
	added, err := task.ParseTime(r.AddedTime)
	if err != nil {
		return task.Task{}, fmt.Errorf("task %d added_time: %w", r.ID, err)
	}
	out := task.Task{
		ID:     r.ID,
		Script: r.Script,
		URL:    r.URL,
		Status: status,
		Added:  added,
	}
	if r.StartTime.Valid {
		ts, err := task.ParseTime(r.StartTime.String)
		if err != nil {
			return task.Task{}, fmt.Errorf("task %d start_time: %w", r.ID, err)
		}
		out.Started = &ts
	}
	if r.EndTime.Valid {
		ts, err := task.ParseTime(r.EndTime.String)
		if err != nil {
			return task.Task{}, fmt.Errorf("task %d end_time: %w", r.ID, err)
		}
		out.Ended = &ts
	}
	if r.Log.Valid {
		log := r.Log.String
		out.Log = &log
	}
	return out, nil
}

// Tasks converts a slice of rows.
func Tasks(rows []TaskRow) ([]task.Task, error) {
	out := make([]task.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.Task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
