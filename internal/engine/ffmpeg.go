package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stderrTailBytes bounds how much of ffmpeg's stderr is kept for failure
// diagnostics. ffmpeg puts the useful part of a failure at the end.
const stderrTailBytes = 4 << 10

// Config holds the FFmpeg engine settings.
type Config struct {
	FFmpegBin  string
	FFprobeBin string
}

// FFmpeg runs media jobs as ffmpeg child processes. Each process is started
// in its own process group so that cancellation can kill the whole tree.
type FFmpeg struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd // taskID → running process
}

// Compile-time check that FFmpeg satisfies the Engine interface.
var _ Engine = (*FFmpeg)(nil)

// NewFFmpeg creates an FFmpeg engine. Empty binary paths fall back to
// resolution via PATH.
func NewFFmpeg(cfg Config, logger *slog.Logger) *FFmpeg {
	if cfg.FFmpegBin == "" {
		cfg.FFmpegBin = "ffmpeg"
	}
	if cfg.FFprobeBin == "" {
		cfg.FFprobeBin = "ffprobe"
	}
	return &FFmpeg{
		cfg:    cfg,
		logger: logger,
		procs:  make(map[string]*exec.Cmd),
	}
}

// Verify checks that the ffmpeg binary is present and runnable.
func (f *FFmpeg) Verify() error {
	cmd := exec.Command(f.cfg.FFmpegBin, "-version")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s -version: %v", ErrUnavailable, f.cfg.FFmpegBin, err)
	}
	return nil
}

// Run executes the job and blocks until ffmpeg exits or ctx is done.
func (f *FFmpeg) Run(ctx context.Context, job Job) (Result, error) {
	start := time.Now()

	res, err := f.run(ctx, job)

	outcome := outcomeCompleted
	if err != nil {
		outcome = outcomeFailed
		if ctx.Err() != nil {
			outcome = outcomeKilled
		}
	}
	engineRuns.WithLabelValues(job.Type, outcome).Inc()
	runDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	return res, err
}

func (f *FFmpeg) run(ctx context.Context, job Job) (Result, error) {
	start := time.Now()

	args, err := f.buildArgs(job)
	if err != nil {
		return Result{}, err
	}

	// Total duration across inputs is the progress baseline. A probe
	// failure degrades the job to one without progress updates.
	var totalUS int64
	for _, in := range job.InputPaths {
		us, err := f.probeDurationUS(ctx, in)
		if err != nil {
			f.logger.Warn("duration probe failed, progress disabled",
				"task_id", job.TaskID, "error", err)
			totalUS = 0
			break
		}
		totalUS += us
	}

	// Deliberately not CommandContext: on cancellation the whole process
	// group must die, not just the leader, so the kill is done by hand.
	cmd := exec.Command(f.cfg.FFmpegBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	tail := newTailBuffer(stderrTailBytes)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Result{}, fmt.Errorf("%w: start %s: %v", ErrUnavailable, f.cfg.FFmpegBin, err)
		}
		return Result{}, fmt.Errorf("start %s: %w", f.cfg.FFmpegBin, err)
	}

	f.track(job.TaskID, cmd)
	defer f.untrack(job.TaskID)
	activeProcesses.Inc()
	defer activeProcesses.Dec()

	f.logger.Info("engine started",
		"task_id", job.TaskID,
		"type", job.Type,
		"pid", cmd.Process.Pid,
		"inputs", len(job.InputPaths),
	)

	// The progress pipe must be fully drained before Wait closes it.
	parseDone := make(chan struct{})
	go func() {
		defer close(parseDone)
		scanProgress(stdout, totalUS, job.Progress)
	}()

	done := make(chan error, 1)
	go func() {
		<-parseDone
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		f.killGroup(cmd)
		<-done
		return Result{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("ffmpeg exited: %v: %s", err, tail.String())
		}
	}

	return Result{
		OutputPath: job.OutputPath,
		DurationMS: int(time.Since(start).Milliseconds()),
	}, nil
}

// Alive reports whether the process for the given task is still running.
func (f *FFmpeg) Alive(taskID string) bool {
	f.mu.Lock()
	cmd, ok := f.procs[taskID]
	f.mu.Unlock()

	if !ok || cmd.Process == nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Kill terminates the process group for the given task, if one is running.
func (f *FFmpeg) Kill(taskID string) {
	f.mu.Lock()
	cmd, ok := f.procs[taskID]
	f.mu.Unlock()

	if !ok {
		return
	}
	f.logger.Info("killing engine process", "task_id", taskID)
	f.killGroup(cmd)
}

// Shutdown kills every process the engine still tracks. Called after the
// scheduler has drained so anything left here is already abandoned.
func (f *FFmpeg) Shutdown() {
	f.mu.Lock()
	ids := make([]string, 0, len(f.procs))
	for id := range f.procs {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	for _, id := range ids {
		f.logger.Warn("killing ffmpeg process at shutdown", "task_id", id)
		f.Kill(id)
	}
}

func (f *FFmpeg) track(taskID string, cmd *exec.Cmd) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[taskID] = cmd
}

func (f *FFmpeg) untrack(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, taskID)
}

// killGroup kills the process group so filter subprocesses die with the
// leader. Falls back to the leader alone if the group is already gone.
func (f *FFmpeg) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// probeDurationUS returns the duration of one media file in microseconds.
func (f *FFmpeg) probeDurationUS(ctx context.Context, path string) (int64, error) {
	cmd := exec.CommandContext(ctx, f.cfg.FFprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return int64(secs * 1e6), nil
}

// tailBuffer keeps the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(capacity int) *tailBuffer {
	return &tailBuffer{cap: capacity}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.cap {
		t.buf = t.buf[len(t.buf)-t.cap:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
