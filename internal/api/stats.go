package api

import (
	"net/http"
)

// queueStatsPayload mirrors the queue's counters in the stats response.
type queueStatsPayload struct {
	Enqueued           uint64 `json:"enqueued"`
	Executed           uint64 `json:"executed"`
	Scheduled          uint64 `json:"scheduled"`
	Cancelled          uint64 `json:"cancelled"`
	Expedited          uint64 `json:"expedited"`
	OutstandingDelayed int    `json:"outstanding_delayed"`
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int               `json:"total"`
	ByStatus     map[string]int    `json:"by_status"`
	ByTag        map[string]int    `json:"by_tag"`
	AvgLatencyMS float64           `json:"avg_latency_ms"`
	Queue        queueStatsPayload `json:"queue"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTimerStats(r.Context())
	if err != nil {
		s.logger.Error("get timer stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	qs := s.engine.QueueStats()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByStatus:     stats.CountByStatus,
		ByTag:        stats.CountByTag,
		AvgLatencyMS: stats.AvgLatencyMS,
		Queue: queueStatsPayload{
			Enqueued:           qs.Enqueued,
			Executed:           qs.Executed,
			Scheduled:          qs.Scheduled,
			Cancelled:          qs.Cancelled,
			Expedited:          qs.Expedited,
			OutstandingDelayed: qs.OutstandingDelayed,
		},
	})
}
