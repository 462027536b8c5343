package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/scheduler"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MiB
)

var validate = validator.New()

type submitTaskRequest struct {
	Type      string         `json:"type" validate:"required,oneof=merge watermark_removal"`
	Owner     string         `json:"owner" validate:"omitempty,max=128"`
	InputRefs []string       `json:"input_refs" validate:"required,min=1,max=32,dive,required,max=1024"`
	Params    *paramsRequest `json:"params" validate:"omitempty"`
}

type paramsRequest struct {
	Regions []regionRequest `json:"regions" validate:"omitempty,max=16,dive"`
	Audio   string          `json:"audio" validate:"omitempty,oneof=keep remove"`
}

type regionRequest struct {
	X      int `json:"x" validate:"min=0"`
	Y      int `json:"y" validate:"min=0"`
	Width  int `json:"width" validate:"required,gt=0"`
	Height int `json:"height" validate:"required,gt=0"`
}

type listTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
	Count int           `json:"count"`
}

type taskEventsResponse struct {
	TaskID string            `json:"task_id"`
	Events []model.TaskEvent `json:"events"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmitTask accepts a new task and hands it to the scheduler. The
// response is 202: the work happens asynchronously and the returned record
// is still queued.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if msg := checkTypeParams(&req); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	task := &model.Task{
		ID:        model.NewID(),
		Type:      req.Type,
		Status:    model.StatusQueued,
		Owner:     req.Owner,
		InputRefs: req.InputRefs,
		CreatedAt: time.Now().UTC(),
	}
	if req.Params != nil {
		task.Params.Audio = req.Params.Audio
		for _, reg := range req.Params.Regions {
			task.Params.Regions = append(task.Params.Regions, model.Region{
				X: reg.X, Y: reg.Y, Width: reg.Width, Height: reg.Height,
			})
		}
	}

	if err := s.sched.Submit(r.Context(), task); err != nil {
		s.logger.Error("failed to submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}

	s.writeJSON(w, http.StatusAccepted, task)
}

// checkTypeParams enforces the per-type constraints the struct tags cannot
// express. Returns an error message, or "" when the request is fine.
func checkTypeParams(req *submitTaskRequest) string {
	switch req.Type {
	case model.TypeMerge:
		if len(req.InputRefs) < 2 {
			return "merge requires at least two input_refs"
		}
	case model.TypeWatermarkRemoval:
		if len(req.InputRefs) != 1 {
			return "watermark_removal takes exactly one input_ref"
		}
		if req.Params == nil || len(req.Params.Regions) == 0 {
			return "watermark_removal requires at least one region"
		}
	}
	return ""
}

// handleGetTask returns a single task by ID.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

// handleListTasks returns tasks in submission order, optionally filtered by
// owner and status.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}

	f := store.Filter{
		Status: r.URL.Query().Get("status"),
		Owner:  r.URL.Query().Get("owner"),
		Limit:  limit,
	}
	if f.Status != "" && !model.ValidStatus(f.Status) {
		s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(f.Status))
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: tasks, Count: len(tasks)})
}

// handleGetTaskEvents returns the persisted lifecycle events of a task.
func (s *Server) handleGetTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to get task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	events, err := s.store.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get task events", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task events")
		return
	}

	s.writeJSON(w, http.StatusOK, taskEventsResponse{TaskID: id, Events: events})
}

// handleCancelTask cancels a queued or processing task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.sched.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, scheduler.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, "task already "+task.Status)
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, "task state changed, retry cancel")
	case err != nil:
		s.logger.Error("failed to cancel task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel task")
	default:
		s.writeJSON(w, http.StatusOK, task)
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// parseIntQuery parses an integer query parameter, returning def when the
// parameter is absent or malformed.
func parseIntQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
