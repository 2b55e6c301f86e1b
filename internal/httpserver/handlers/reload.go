package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/beacon/internal/httpserver/deps"
	"github.com/MrSnakeDoc/beacon/internal/logger"
)

type reloadResponse struct {
	Status string `json:"status"`
	File   string `json:"file"`
}

// Reload asks the placement reloader to re-read its file now. The reload runs
// asynchronously; its outcome is logged by the reloader. One request may be
// pending at a time.
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.ReloadTrigger == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no placement file configured"})
			return
		}

		select {
		case d.ReloadTrigger <- struct{}{}:
			d.Logger.Info("placement reload requested via admin API",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusAccepted, reloadResponse{Status: "reload_scheduled", File: d.PlacementFile})
		default:
			writeJSON(w, http.StatusTooManyRequests, reloadResponse{Status: "reload_pending", File: d.PlacementFile})
		}
	}
}
