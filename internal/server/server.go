// Package server exposes the tracking console over HTTP using go-chi.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/saviobatista/fleet-tracker/internal/controller"
	"github.com/saviobatista/fleet-tracker/internal/logger"
	"github.com/saviobatista/fleet-tracker/internal/metrics"
	"github.com/saviobatista/fleet-tracker/internal/reconciler"
	"github.com/saviobatista/fleet-tracker/internal/types"
)

// requestTimeout bounds how long a handler waits on the controller loop
const requestTimeout = 5 * time.Second

// Console interface for testability
type Console interface {
	Mount(ctx context.Context, tc types.TrackingContext) error
	Unmount(ctx context.Context) error
	Select(ctx context.Context, vehicleID string) error
	Reconnect(ctx context.Context) error
	Status() controller.Status
}

// Handler serves the control API
type Handler struct {
	console Console
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil.
func NewHandler(console Console, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{console: console, log: log, metrics: m}
}

// Router builds the chi router with request logging and metrics
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	if h.metrics != nil {
		r.Use(metrics.RequestMiddleware(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler(nil))
	}

	r.Get("/healthz", h.Health)
	r.Get("/state", h.GetState)
	r.Post("/select/{vehicleID}", h.Select)
	r.Post("/reconnect", h.Reconnect)
	r.Post("/context", h.MountContext)
	r.Delete("/context", h.UnmountContext)
	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetState handles GET /state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.console.Status())
}

// MountContext handles POST /context.
// Body: { "kind": "vehicle", "id": "v1" }.
func (h *Handler) MountContext(w http.ResponseWriter, r *http.Request) {
	var tc types.TrackingContext
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		h.log.Debug("invalid context body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := tc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.console.Mount(ctx, tc); err != nil {
		h.fail(w, "mount failed", err)
		return
	}

	h.log.Info("tracking context mounted", slog.String("context", tc.String()))
	writeJSON(w, http.StatusAccepted, h.console.Status())
}

// UnmountContext handles DELETE /context
func (h *Handler) UnmountContext(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.console.Unmount(ctx); err != nil {
		h.fail(w, "unmount failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Select handles POST /select/{vehicleID}
func (h *Handler) Select(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	if vehicleID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.console.Select(ctx, vehicleID); err != nil {
		h.fail(w, "select failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.console.Status())
}

// Reconnect handles POST /reconnect
func (h *Handler) Reconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := h.console.Reconnect(ctx); err != nil {
		h.fail(w, "reconnect failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.console.Status())
}

// fail maps controller errors to status codes
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, controller.ErrNotMounted):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, reconciler.ErrForeignVehicle):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, controller.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(msg, slog.String("error", err.Error()))
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		h.log.Error(msg, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
