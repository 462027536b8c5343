package model

import "time"

// Task status constants.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusExpired    = "expired"
)

// Task type constants.
const (
	TypeMerge            = "merge"
	TypeWatermarkRemoval = "watermark_removal"
)

// TaskTypes lists every recognized task type.
var TaskTypes = []string{TypeMerge, TypeWatermarkRemoval}

// Audio handling modes for merge tasks. An empty Audio field means keep.
const (
	AudioKeep   = "keep"
	AudioRemove = "remove"
)

// Error category constants. Categories classify why a task left the happy
// path; they are recorded on the task alongside a human-readable message.
const (
	ErrValidation        = "validation"
	ErrNotFound          = "not_found"
	ErrConflict          = "conflict"
	ErrEngineUnavailable = "engine_unavailable"
	ErrEngineFailure     = "engine_failure"
	ErrTimedOut          = "timed_out"
	ErrOrphaned          = "orphaned"
	ErrCancelled         = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entries: once a task completes, fails, is cancelled,
// or expires, its record is immutable apart from retention-driven deletion.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusExpired:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether the given status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ValidStatus reports whether the given status string is recognized.
func ValidStatus(s string) bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted,
		StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ValidType reports whether the given task type is recognized.
func ValidType(t string) bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Region is a rectangular area of the video frame, in pixels from the
// top-left corner. Watermark removal blanks out each requested region.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Params carries the type-specific knobs of a task. Merge tasks may set
// Audio; watermark removal tasks must supply at least one Region.
type Params struct {
	Regions []Region `json:"regions,omitempty"`
	Audio   string   `json:"audio,omitempty"`
}

// TaskEvent is a single persisted lifecycle event of a task.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents a video-processing job submitted to the system.
// Owner is an opaque reference to the submitting user or session; the
// processing core never dereferences it.
type Task struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	Owner           string     `json:"owner,omitempty"`
	InputRefs       []string   `json:"input_refs"`
	OutputRef       string     `json:"output_ref,omitempty"`
	Params          Params     `json:"params"`
	Progress        int        `json:"progress"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TimeoutDeadline *time.Time `json:"timeout_deadline,omitempty"`
}
