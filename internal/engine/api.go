package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zsiec/stitch/internal/asset"
)

// APIConfig assembles the status API handler.
type APIConfig struct {
	Manager  *Manager
	Registry *asset.Registry
	Metrics  *Metrics
	Log      *slog.Logger
}

// APIHandler serves the read-only status API: job snapshots, active loader
// stats, and Prometheus metrics.
type APIHandler struct {
	manager  *Manager
	registry *asset.Registry
	metrics  *Metrics
	log      *slog.Logger
}

// NewAPIHandler returns the status API router.
func NewAPIHandler(cfg APIConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	h := &APIHandler{
		manager:  cfg.Manager,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		log:      log.With("component", "status-api"),
	}

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Get("/loaders", h.listLoaders)
	})
	if cfg.Metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
			cfg.Metrics.Handler(func() {
				cfg.Metrics.SetActiveJobs(cfg.Manager.RunningCount())
			}).ServeHTTP(w, req)
		})
	}
	return r
}

// listJobs handles GET /api/jobs.
func (h *APIHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.manager.List()
	stats := make([]JobStats, 0, len(jobs))
	for _, job := range jobs {
		stats = append(stats, job.Snapshot())
	}
	h.writeJSON(w, stats)
}

// getJob handles GET /api/jobs/{id}.
func (h *APIHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.manager.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, job.Snapshot())
}

// listLoaders handles GET /api/loaders.
func (h *APIHandler) listLoaders(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil {
		h.writeJSON(w, []asset.LoaderStats{})
		return
	}
	h.writeJSON(w, h.registry.Stats())
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("response write failed", "error", err)
	}
}
