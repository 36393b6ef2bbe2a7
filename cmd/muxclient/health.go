package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/blinkmux/internal/session"
)

// healthHandler reports session and journal database state. Either may be
// nil when the component is not in use.
func healthHandler(sup *session.Supervisor, pool *pgxpool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if sup != nil {
			stats := sup.Stats()
			health.Components["session"] = map[string]any{
				"id":         stats.SessionID,
				"connected":  stats.Connected,
				"reconnects": stats.Reconnects,
			}
			if !stats.Connected {
				health.Status = "degraded"
			}
		}

		// Check database
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}
