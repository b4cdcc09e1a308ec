package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/logging"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

type stubChanges struct {
	mu      sync.Mutex
	filters []persistence.ChangeFilter
	records []reconcile.ChangeRecord
	err     error
}

func (s *stubChanges) ListChangeRecords(_ context.Context, filter persistence.ChangeFilter) ([]reconcile.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	return s.records, s.err
}

type stubRunner struct {
	terms   []string
	running bool
	report  application.PassReport
	err     error
	ran     []string
	scoped  []bool
}

func (s *stubRunner) Run(ctx context.Context, termID string) (application.PassReport, error) {
	s.ran = append(s.ran, termID)
	s.scoped = append(s.scoped, logging.Carries(ctx, "term_id"))
	return s.report, s.err
}

func (s *stubRunner) Running() bool   { return s.running }
func (s *stubRunner) Terms() []string { return s.terms }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestChangeHandlers(t *testing.T) {
	t.Parallel()

	t.Run("maps query parameters to the change filter", func(t *testing.T) {
		t.Parallel()

		changes := &stubChanges{}
		router := NewRouter(RouterConfig{Changes: NewChangeHandler(changes, nil)})

		req := httptest.NewRequest(http.MethodGet, "/changes?term=2026FA&section=A&status=queued,errored&field=instructor_uids&limit=5", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		want := persistence.ChangeFilter{
			TermID:    "2026FA",
			SectionID: "A",
			Statuses:  []reconcile.Status{reconcile.StatusQueued, reconcile.StatusErrored},
			Fields:    []reconcile.FieldKind{reconcile.FieldInstructorUIDs},
			Limit:     5,
		}
		if diff := cmp.Diff([]persistence.ChangeFilter{want}, changes.filters); diff != "" {
			t.Fatalf("filter mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("serializes records with encoded values", func(t *testing.T) {
		t.Parallel()

		resolved := time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)
		changes := &stubChanges{records: []reconcile.ChangeRecord{{
			ID:         "chg-1",
			TermID:     "2026FA",
			SectionID:  "A",
			Field:      reconcile.FieldInstructorUIDs,
			Old:        reconcile.NewUIDSet("u1"),
			New:        reconcile.NewUIDSet("u1", "u2"),
			Status:     reconcile.StatusSucceeded,
			CreatedAt:  resolved.Add(-time.Minute),
			ResolvedAt: &resolved,
		}}}
		router := NewRouter(RouterConfig{Changes: NewChangeHandler(changes, nil)})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/changes?term=2026FA", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		body := decodeBody[struct {
			Changes []map[string]any `json:"changes"`
		}](t, rec)
		if len(body.Changes) != 1 {
			t.Fatalf("expected one change, got %d", len(body.Changes))
		}
		got := body.Changes[0]
		if got["field"] != "instructor_uids" || got["status"] != "succeeded" {
			t.Fatalf("unexpected change payload: %v", got)
		}
		newValue, ok := got["new"].(map[string]any)
		if !ok || newValue["type"] != string(reconcile.ValueUIDSet) {
			t.Fatalf("expected typed value envelope, got %v", got["new"])
		}
		if _, ok := got["handle"]; ok {
			t.Fatalf("expected empty handle to be omitted")
		}
	})

	t.Run("rejects invalid queries", func(t *testing.T) {
		t.Parallel()

		router := NewRouter(RouterConfig{Changes: NewChangeHandler(&stubChanges{}, nil)})
		for _, target := range []string{
			"/changes",
			"/changes?term=2026FA&status=pending",
			"/changes?term=2026FA&field=colour",
			"/changes?term=2026FA&limit=0",
		} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("%s: expected 400, got %d", target, rec.Code)
			}
		}
	})

	t.Run("only allows GET", func(t *testing.T) {
		t.Parallel()

		router := NewRouter(RouterConfig{Changes: NewChangeHandler(&stubChanges{}, nil)})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/changes?term=2026FA", nil))
		if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodGet {
			t.Fatalf("expected 405 with Allow header, got %d %q", rec.Code, rec.Header().Get("Allow"))
		}
	})
}

func TestPassHandlers(t *testing.T) {
	t.Parallel()

	t.Run("runs the only configured term by default", func(t *testing.T) {
		t.Parallel()

		runner := &stubRunner{terms: []string{"2026FA"}, report: application.PassReport{TermID: "2026FA", Enqueued: 3}}
		router := NewRouter(RouterConfig{Passes: NewPassHandler(runner, nil)})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/passes", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		report := decodeBody[application.PassReport](t, rec)
		if report.Enqueued != 3 || len(runner.ran) != 1 || runner.ran[0] != "2026FA" {
			t.Fatalf("unexpected report %+v / runs %v", report, runner.ran)
		}
		if !runner.scoped[0] {
			t.Fatal("expected the pass to run under the request's term scope")
		}
	})

	t.Run("logs the term once per line", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		runner := &stubRunner{terms: []string{"2026FA"}}
		handler := RequestLogger(logger)(NewRouter(RouterConfig{Passes: NewPassHandler(runner, logger)}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/passes?term=2026FA", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var finished string
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if strings.Count(line, `"term_id":`) > 1 || strings.Count(line, `"endpoint":`) > 1 {
				t.Fatalf("repeated attribute in %s", line)
			}
			if strings.Contains(line, "pass requested by operator finished") {
				finished = line
			}
		}
		if !strings.Contains(finished, `"endpoint":"pass"`) || !strings.Contains(finished, `"term_id":"2026FA"`) || !strings.Contains(finished, `"request_id":1`) {
			t.Fatalf("unexpected pass log line %q", finished)
		}
	})

	t.Run("requires a term when several are configured", func(t *testing.T) {
		t.Parallel()

		runner := &stubRunner{terms: []string{"2026FA", "2027SP"}}
		router := NewRouter(RouterConfig{Passes: NewPassHandler(runner, nil)})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/passes", nil))
		if rec.Code != http.StatusBadRequest || len(runner.ran) != 0 {
			t.Fatalf("expected 400 without a run, got %d", rec.Code)
		}
	})

	t.Run("maps service errors to status codes", func(t *testing.T) {
		t.Parallel()

		cases := []struct {
			err  error
			want int
			code string
		}{
			{err: application.ErrPassInProgress, want: http.StatusConflict, code: "PASS_IN_PROGRESS"},
			{err: application.ErrUnknownTerm, want: http.StatusNotFound, code: "UNKNOWN_TERM"},
			{err: &application.ConfigurationError{Setting: "room mapping", Value: "X"}, want: http.StatusInternalServerError, code: "CONFIGURATION"},
			{err: errors.New("boom"), want: http.StatusInternalServerError, code: "UNEXPECTED"},
		}
		for _, tc := range cases {
			router := NewRouter(RouterConfig{Passes: NewPassHandler(&stubRunner{err: tc.err}, nil)})
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/passes?term=2026FA", nil))
			if rec.Code != tc.want {
				t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
			}
			if body := decodeBody[errorResponse](t, rec); body.ErrorCode != tc.code || body.Message == "" {
				t.Fatalf("%v: unexpected body %+v", tc.err, body)
			}
		}
	})
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	ok := NewRouter(RouterConfig{Health: NewHealthHandler(stubPinger{}, &stubRunner{running: true}, nil)})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody[healthResponse](t, rec); body.Status != "ok" || !body.PassRunning {
		t.Fatalf("unexpected body %+v", body)
	}

	down := NewRouter(RouterConfig{Health: NewHealthHandler(stubPinger{err: errors.New("disk gone")}, nil, nil)})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "unavailable") {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}
