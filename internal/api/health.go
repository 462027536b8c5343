package api

import (
	"net/http"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz reports liveness, including whether the task store is
// reachable. A process that cannot read its store answers 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok"}
	code := http.StatusOK

	if _, err := s.store.CountByStatus(r.Context(), model.StatusProcessing); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, resp)
}
