package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/example/capture-scheduler/internal/recurrence"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*HTTPClient, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		requests = append(requests, rec)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(server.URL+"/", "secret", server.Client())
	if err != nil {
		t.Fatalf("NewHTTPClient returned error: %v", err)
	}
	return client, &requests
}

func TestHTTPClientCreateRecurringSchedule(t *testing.T) {
	t.Parallel()

	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"handle":"evt-1"}`))
	})

	days, _ := recurrence.ParseDays("TUTH")
	handle, err := client.CreateRecurringSchedule(context.Background(), ScheduleRequest{
		TermID:         "2026FA",
		SectionID:      "S1",
		ResourceID:     "agent-7",
		Days:           days,
		StartTime:      recurrence.NewTimeOfDay(13, 30),
		EndTime:        recurrence.NewTimeOfDay(14, 45),
		StartDate:      time.Date(2026, time.August, 25, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, time.December, 10, 0, 0, 0, 0, time.UTC),
		InstructorUIDs: []string{"alice"},
		RecordingType:  "presenter_audio",
	})
	if err != nil {
		t.Fatalf("CreateRecurringSchedule returned error: %v", err)
	}
	if handle != "evt-1" {
		t.Fatalf("expected handle evt-1, got %q", handle)
	}

	got := (*requests)[0]
	if got.Method != http.MethodPost || got.Path != "/schedules" || got.Auth != "Bearer secret" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Body["days"] != "TUTH" || got.Body["start_time"] != "13:30" || got.Body["resource_id"] != "agent-7" {
		t.Fatalf("unexpected body %+v", got.Body)
	}
}

func TestHTTPClientRoutes(t *testing.T) {
	t.Parallel()

	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	room := "agent-9"

	steps := []func() error{
		func() error { return client.UpdateACL(ctx, "h/1", []string{"alice"}, nil) },
		func() error { return client.UpdateTimeOrRoom(ctx, "h/1", Timing{ResourceID: &room}) },
		func() error { return client.UpdateCategories(ctx, "h/1", []string{"site-1"}) },
		func() error { return client.UpdateRecordingType(ctx, "h/1", "presentation_audio") },
		func() error { return client.Cancel(ctx, "h/1") },
		func() error { return client.Delete(ctx, "h/1") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d returned error: %v", i, err)
		}
	}

	var got []string
	for _, r := range *requests {
		got = append(got, r.Method+" "+r.Path)
	}
	want := []string{
		"PUT /schedules/h%2F1/acl",
		"PATCH /schedules/h%2F1/timing",
		"PUT /schedules/h%2F1/categories",
		"PUT /schedules/h%2F1/recording-type",
		"POST /schedules/h%2F1/cancel",
		"DELETE /schedules/h%2F1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("routes mismatch (-want +got):\n%s", diff)
	}
	if collaborators, ok := (*requests)[0].Body["collaborator_uids"].([]any); !ok || len(collaborators) != 0 {
		t.Fatalf("expected empty collaborator list, got %#v", (*requests)[0].Body["collaborator_uids"])
	}
	if _, ok := (*requests)[1].Body["days"]; ok {
		t.Fatal("unset timing fields must be omitted")
	}
}

func TestHTTPClientErrors(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/schedules/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no such schedule"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
		}
	})
	ctx := context.Background()

	_, err := client.GetEvent(ctx, "missing")
	if !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Message != "no such schedule" || status.Temporary() {
		t.Fatalf("unexpected status error %#v", err)
	}

	err = client.Cancel(ctx, "other")
	if !errors.As(err, &status) || status.StatusCode != http.StatusServiceUnavailable || !status.Temporary() {
		t.Fatalf("expected temporary 503, got %v", err)
	}
	if status.Message != "maintenance" {
		t.Fatalf("expected raw body as message, got %q", status.Message)
	}
}

func TestHTTPClientRejectsCreateWithoutHandle(t *testing.T) {
	t.Parallel()

	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.CreateRecurringSchedule(context.Background(), ScheduleRequest{SectionID: "S1"})
	if !errors.Is(err, ErrMissingHandle) {
		t.Fatalf("expected ErrMissingHandle, got %v", err)
	}
	if RetryableCreate(err) {
		t.Fatal("a create without a handle must not be retried")
	}
}

func TestResilientHTTPCreateIsSentOnceOnTimeout(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	posts := 0
	release := make(chan struct{})
	vendor, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		posts++
		mu.Unlock()
		<-release
	})
	t.Cleanup(func() { close(release) })
	client := NewResilient(vendor, testPolicy(), nil)

	if _, err := client.CreateRecurringSchedule(context.Background(), ScheduleRequest{SectionID: "S1"}); err == nil {
		t.Fatal("expected the create to time out")
	}
	mu.Lock()
	defer mu.Unlock()
	if posts != 1 {
		t.Fatalf("expected one POST to the vendor, got %d", posts)
	}
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPClient("ftp://example.com", "", nil); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
}
