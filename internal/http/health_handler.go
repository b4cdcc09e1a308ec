package http

import (
	"context"
	"log/slog"
	"net/http"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type runningReporter interface {
	Running() bool
}

type HealthHandler struct {
	store     pinger
	runner    runningReporter
	responder responder
}

func NewHealthHandler(store pinger, runner runningReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: store, runner: runner, responder: newResponder(logger)}
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.runner != nil {
		resp.PassRunning = h.runner.Running()
	}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			ctx, logger := h.responder.scope(r, "healthz")
			logger.ErrorContext(ctx, "storage ping failed", "error", err)
			resp.Status = "unavailable"
			h.responder.writeJSON(r.Context(), w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      string `json:"status"`
	PassRunning bool   `json:"pass_running"`
}
