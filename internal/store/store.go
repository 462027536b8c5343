package store

import (
	"context"
	"errors"
	"time"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

// ErrInvalidTransition is returned when a task status mutation is not allowed
// by the lifecycle state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrConflict is returned by UpdateTask when the task's current status or
// worker claim does not match the caller's precondition. It signals that a
// concurrent actor finalized or reclaimed the task first.
var ErrConflict = errors.New("task state conflict")

// Filter narrows ListTasks results. Zero values mean "no constraint".
type Filter struct {
	Status string
	Owner  string
	Limit  int
}

// TaskStats holds aggregate queue statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
}

// ResultEntry records the artifact produced by a completed task. Entries are
// written exactly once, by the owning worker, before the task flips to
// completed.
type ResultEntry struct {
	TaskID    string    `json:"task_id"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store defines the persistence operations for tasks, results, and task events.
//
// UpdateTask is the single mutation path for task records. It runs a
// compare-and-swap: inside one transaction the current row is read, checked
// against expectedStatus (and expectedWorker when non-empty), mutated via the
// callback, and written back. A precondition mismatch yields ErrConflict and
// leaves the row untouched, which is what makes completion reporting, reaping,
// and cancellation race-safe against each other.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f Filter) ([]*model.Task, error)
	UpdateTask(ctx context.Context, id, expectedStatus, expectedWorker string, mutate func(*model.Task)) (*model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, status string) (int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)

	PutResult(ctx context.Context, e *ResultEntry) error
	GetResult(ctx context.Context, taskID string) (*ResultEntry, error)
	DeleteResult(ctx context.Context, taskID string) error

	AppendEvent(ctx context.Context, taskID, stage, message string) error
	GetEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error)

	Close() error
}
