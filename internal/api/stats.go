package api

import (
	"net/http"

	"github.com/yinghuzhu/mediacraft-api/internal/scheduler"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total     int                `json:"total"`
	ByStatus  map[string]int     `json:"by_status"`
	ByType    map[string]int     `json:"by_type"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		ByStatus:  stats.CountByStatus,
		ByType:    stats.CountByType,
		Scheduler: s.sched.Snapshot(),
	})
}
