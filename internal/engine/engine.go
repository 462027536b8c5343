package engine

import (
	"context"
	"errors"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

// ErrUnavailable indicates the engine binary could not be found or started.
// Tasks that hit it fail without consuming meaningful processing time.
var ErrUnavailable = errors.New("engine unavailable")

// Job describes one media processing job handed to an engine. The caller
// owns WorkDir and removes it after Run returns.
type Job struct {
	TaskID     string
	Type       string
	InputPaths []string
	OutputPath string
	WorkDir    string
	Params     model.Params

	// Progress, when non-nil, receives whole percentages in [0,99] as the
	// engine works through the job. 100 is reserved for the caller's own
	// completion bookkeeping.
	Progress func(percent int)
}

// Result holds what an engine produced for a successful job.
type Result struct {
	OutputPath string
	DurationMS int
}

// Engine runs media jobs. Implementations must be safe for concurrent use.
type Engine interface {
	// Run executes the job and blocks until it finishes or ctx is done.
	// When ctx expires or is cancelled, Run kills the underlying process
	// tree and returns ctx.Err().
	Run(ctx context.Context, job Job) (Result, error)

	// Alive reports whether the engine still holds a live process for the
	// given task. Used by the health monitor to distinguish a wedged but
	// running job from one whose process is gone.
	Alive(taskID string) bool

	// Kill terminates the process for the given task, if one is running.
	// Unknown task IDs are a no-op.
	Kill(taskID string)
}
