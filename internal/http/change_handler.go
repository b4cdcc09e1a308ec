package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

const maxChangeLimit = 1000

type changeLister interface {
	ListChangeRecords(ctx context.Context, filter persistence.ChangeFilter) ([]reconcile.ChangeRecord, error)
}

type ChangeHandler struct {
	changes   changeLister
	responder responder
}

func NewChangeHandler(changes changeLister, logger *slog.Logger) *ChangeHandler {
	return &ChangeHandler{changes: changes, responder: newResponder(logger)}
}

func (h *ChangeHandler) List(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.changes == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	filter, err := buildChangeFilter(r.URL.Query())
	if err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, err)
		return
	}

	records, err := h.changes.ListChangeRecords(r.Context(), filter)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	items := make([]changeDTO, 0, len(records))
	for _, rec := range records {
		dto, err := newChangeDTO(rec)
		if err != nil {
			h.responder.handleServiceError(r.Context(), w, err)
			return
		}
		items = append(items, dto)
	}
	ctx, logger := h.responder.scope(r, "changes", "term_id", filter.TermID)
	logger.DebugContext(ctx, "change records listed", "count", len(items))
	h.responder.writeJSON(r.Context(), w, http.StatusOK, changeListResponse{Changes: items})
}

func buildChangeFilter(values url.Values) (persistence.ChangeFilter, error) {
	filter := persistence.ChangeFilter{
		TermID:    strings.TrimSpace(values.Get("term")),
		SectionID: strings.TrimSpace(values.Get("section")),
	}
	if filter.TermID == "" {
		return filter, errMissingTerm
	}
	for _, raw := range splitList(values.Get("status")) {
		status, err := reconcile.ParseStatus(raw)
		if err != nil {
			return filter, errInvalidStatus
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range splitList(values.Get("field")) {
		field, err := reconcile.ParseFieldKind(raw)
		if err != nil {
			return filter, errInvalidField
		}
		filter.Fields = append(filter.Fields, field)
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxChangeLimit {
			return filter, errInvalidLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type changeListResponse struct {
	Changes []changeDTO `json:"changes"`
}

type changeDTO struct {
	ID          string          `json:"id"`
	TermID      string          `json:"term_id"`
	SectionID   string          `json:"section_id"`
	Field       string          `json:"field"`
	Old         json.RawMessage `json:"old,omitempty"`
	New         json.RawMessage `json:"new,omitempty"`
	Handle      string          `json:"handle,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func newChangeDTO(rec reconcile.ChangeRecord) (changeDTO, error) {
	before, err := encodeValue(rec.Old)
	if err != nil {
		return changeDTO{}, err
	}
	after, err := encodeValue(rec.New)
	if err != nil {
		return changeDTO{}, err
	}
	return changeDTO{
		ID:          rec.ID,
		TermID:      rec.TermID,
		SectionID:   rec.SectionID,
		Field:       string(rec.Field),
		Old:         before,
		New:         after,
		Handle:      rec.Handle,
		RequestedBy: rec.RequestedBy,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
		ResolvedAt:  rec.ResolvedAt,
		Error:       rec.Error,
	}, nil
}

func encodeValue(v reconcile.Value) (json.RawMessage, error) {
	encoded, err := reconcile.EncodeValue(v)
	if err != nil || encoded == "" {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}
