package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/trellis-data/trellis/pkg/core"
	"github.com/trellis-data/trellis/pkg/security"
	"github.com/trellis-data/trellis/pkg/workflow"
)

type handler struct {
	engine             *workflow.Engine
	logger             *slog.Logger
	metrics            *metrics
	maxCatalogPageSize int
}

// Handler creates the HTTP handler for the worker protocol and job control
// endpoints.
func Handler(engine *workflow.Engine, opts ...Option) http.Handler {
	cfg := &config{
		ctx:                context.Background(),
		maxCatalogPageSize: security.MaxCatalogPageSize,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	reg := cfg.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := newMetrics(reg)
	go m.collect(cfg.ctx, engine.Subscribe())

	h := &handler{
		engine:             engine,
		logger:             slog.Default(),
		metrics:            m,
		maxCatalogPageSize: cfg.maxCatalogPageSize,
	}

	router := mux.NewRouter()
	router.HandleFunc("/work", h.getWork).Methods(http.MethodGet)
	router.HandleFunc("/work/{id}", h.updateWork).Methods(http.MethodPut)
	router.HandleFunc("/metrics/ready-count", h.readyCount).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	router.HandleFunc("/jobs/{id}/cancel", h.cancelJob).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{id}/pause", h.pauseJob).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{id}/resume", h.resumeJob).Methods(http.MethodPost)

	var out http.Handler = router
	if cfg.corsOptions != nil {
		out = cors.New(*cfg.corsOptions).Handler(out)
	}
	if cfg.middleware != nil {
		out = cfg.middleware(out)
	}
	return out
}

// workResponse is the payload handed to a polling worker with a claimed item.
type workResponse struct {
	WorkItem           *core.WorkItem      `json:"workItem"`
	Operation          *core.DataOperation `json:"operation"`
	Inputs             []*core.BatchItem   `json:"inputs,omitempty"`
	MaxCatalogPageSize int                 `json:"maxCatalogPageSize"`
}

func (h *handler) getWork(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("serviceID")
	payload, err := h.engine.ClaimWork(r.Context(), serviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if payload == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{
			"message": "no work items are ready for service " + serviceID,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, &workResponse{
		WorkItem:           payload.Item,
		Operation:          payload.Operation,
		Inputs:             payload.Inputs,
		MaxCatalogPageSize: h.maxCatalogPageSize,
	})
}

func (h *handler) updateWork(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid work item id"})
		return
	}
	var update core.WorkItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid update body"})
		return
	}
	if err := h.engine.CompleteWorkItem(r.Context(), itemID, update); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) readyCount(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("serviceID")
	count, err := h.engine.ReadyCount(r.Context(), serviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.metrics.readyItems.WithLabelValues(serviceID).Set(float64(count))
	h.writeJSON(w, http.StatusOK, map[string]int64{"availableWorkItems": count})
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid limit"})
			return
		}
		limit = n
	}
	jobs, err := h.engine.ListJobs(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.engine.CancelJob(r.Context(), jobID, "Canceled by user request"); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (h *handler) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.PauseJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *handler) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResumeJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrWorkItemNotFound), errors.Is(err, core.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, core.ErrJobTerminal), errors.Is(err, core.ErrJobNotPaused):
		status = http.StatusConflict
	case core.IsValidation(err), errors.Is(err, core.ErrInvalidServiceID):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"message": err.Error()})
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
