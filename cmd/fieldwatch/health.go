package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agriscience/fieldwatch/internal/cache"
	"github.com/agriscience/fieldwatch/internal/channel"
	"github.com/agriscience/fieldwatch/internal/database"
	"github.com/agriscience/fieldwatch/internal/monitor"
	"github.com/agriscience/fieldwatch/internal/poller"
	"github.com/agriscience/fieldwatch/internal/version"
)

// healthSources are the components the health endpoint reports on.
// Journal and DB are nil when the journal is disabled.
type healthSources struct {
	Channel interface{ Snapshot() channel.Snapshot }
	Present func() bool
	Monitor interface{ Stats() monitor.Stats }
	Poller  interface{ LastSummary() poller.Summary }
	Cache   interface{ Stats() cache.Stats }
	Journal interface{ Stats() database.JournalStats }
	DB      interface{ Ping(ctx context.Context) error }
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Components map[string]any `json:"components"`
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(src healthSources, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Version:    version.Version,
			Components: make(map[string]any),
		}

		snap := src.Channel.Snapshot()
		channelInfo := map[string]any{
			"state":        snap.State.String(),
			"attempt":      snap.Attempt,
			"retry_status": snap.RetryStatus.String(),
			"conn_id":      snap.ConnID,
		}
		if snap.LastKind != 0 {
			channelInfo["last_message"] = snap.LastKind.String()
		}
		health.Components["channel"] = channelInfo

		present := src.Present()
		health.Components["session"] = map[string]any{"signed_in": present}
		if !present || snap.State != channel.StateReady {
			health.Status = "degraded"
		}

		health.Components["monitor"] = src.Monitor.Stats()
		health.Components["refresh"] = src.Poller.LastSummary()
		health.Components["cache"] = src.Cache.Stats()

		if src.Journal != nil {
			journal := map[string]any{"stats": src.Journal.Stats()}
			if src.DB != nil {
				if err := src.DB.Ping(ctx); err != nil {
					health.Status = "unhealthy"
					journal["postgres"] = map[string]string{
						"status": "disconnected",
						"error":  err.Error(),
					}
				} else {
					journal["postgres"] = "connected"
				}
			}
			health.Components["journal"] = journal
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("failed to write health response", "error", err)
		}
	})

	return mux
}
