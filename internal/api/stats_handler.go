package api

import (
	"net/http"

	"github.com/vdavid/mailgate/internal/metrics"
)

// StatsHandler reports the counters of every component as JSON. The same
// sources feed the Prometheus collector.
type StatsHandler struct {
	src metrics.Sources
}

func NewStatsHandler(src metrics.Sources) *StatsHandler {
	return &StatsHandler{src: src}
}

// Stats handles GET /api/stats. Components without a source are omitted.
func (h *StatsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"success": true}
	if h.src.Pool != nil {
		resp["pool"] = h.src.Pool()
	}
	if h.src.Cache != nil {
		resp["cache"] = h.src.Cache()
	}
	if h.src.Hub != nil {
		resp["websocket"] = h.src.Hub()
	}
	if h.src.Search != nil {
		resp["search"] = h.src.Search()
	}
	if h.src.Attachments != nil {
		resp["attachments"] = h.src.Attachments()
	}
	writeJSON(w, http.StatusOK, resp)
}
