package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
	"github.com/yinghuzhu/mediacraft-api/internal/store"
)

// handleDownloadResult streams the output artifact of a completed task.
// Anything short of a completed task with an artifact on disk is a 404; the
// caller is expected to poll task status before downloading.
func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
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

	if task.Status != model.StatusCompleted {
		s.writeError(w, http.StatusNotFound, "no result: task is "+task.Status)
		return
	}

	entry, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "result no longer available")
			return
		}
		s.logger.Error("failed to get result", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("result artifact missing on disk", "task_id", id, "path", entry.Path)
			s.writeError(w, http.StatusNotFound, "result artifact missing")
			return
		}
		s.logger.Error("failed to open result artifact", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open result")
		return
	}
	defer f.Close()

	name := filepath.Base(entry.Path)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, entry.CreatedAt, f)
}
