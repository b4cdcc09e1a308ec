package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/example/capture-scheduler/internal/application"
)

type passRunner interface {
	Run(ctx context.Context, termID string) (application.PassReport, error)
	Running() bool
	Terms() []string
}

type PassHandler struct {
	runner    passRunner
	responder responder
}

func NewPassHandler(runner passRunner, logger *slog.Logger) *PassHandler {
	return &PassHandler{runner: runner, responder: newResponder(logger)}
}

// Create runs a pass synchronously and returns its report.
func (h *PassHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.runner == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	termID := strings.TrimSpace(r.URL.Query().Get("term"))
	if termID == "" {
		terms := h.runner.Terms()
		if len(terms) != 1 {
			h.responder.writeError(r.Context(), w, http.StatusBadRequest, errMissingTerm)
			return
		}
		termID = terms[0]
	}

	ctx, logger := h.responder.scope(r, "pass", "term_id", termID)
	report, err := h.runner.Run(ctx, termID)
	if err != nil {
		h.responder.handleServiceError(ctx, w, err)
		return
	}
	logger.InfoContext(ctx, "pass requested by operator finished", "errored", report.Errored)
	h.responder.writeJSON(ctx, w, http.StatusOK, report)
}
