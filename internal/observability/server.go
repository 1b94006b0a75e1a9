package observability

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStats is the live state reported by /healthz.
type HealthStats struct {
	PendingTasks   int `json:"pendingTasks"`
	DurableTasks   int `json:"durableTasks"`
	StagedUploads  int `json:"stagedUploads"`
	ActiveSessions int `json:"activeSessions,omitempty"`
}

// StatsFunc supplies the current health snapshot.
type StatsFunc func() HealthStats

// OpsServer serves the operational HTTP surface: health and metrics.
type OpsServer struct {
	server *http.Server
}

// NewOpsServer builds the ops listener on addr.
func NewOpsServer(addr string, gatherer prometheus.Gatherer, stats StatsFunc) *OpsServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		payload := map[string]interface{}{"status": "ok"}
		if stats != nil {
			payload["stats"] = stats()
		}
		json.NewEncoder(w).Encode(payload)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &OpsServer{
		server: &http.Server{Addr: addr, Handler: r},
	}
}

// ListenAndServe starts the ops server.
func (s *OpsServer) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the ops server.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
