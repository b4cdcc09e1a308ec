package application_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/logging"
	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/scheduler"
	"github.com/example/capture-scheduler/internal/testfixtures"
)

func changesByField(records []reconcile.ChangeRecord) map[reconcile.FieldKind]reconcile.ChangeRecord {
	out := make(map[reconcile.FieldKind]reconcile.ChangeRecord, len(records))
	for _, rec := range records {
		out[rec.Field] = rec
	}
	return out
}

func TestReconcilerAppliesRoomAndInstructorDrift(t *testing.T) {
	stores := map[string]func(t *testing.T) persistence.Store{
		"memory": func(t *testing.T) persistence.Store { return nil },
		"sqlite": func(t *testing.T) persistence.Store { return testfixtures.NewSQLiteStore(t) },
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			var opts []testfixtures.HarnessOption
			if store := open(t); store != nil {
				opts = append(opts, testfixtures.WithStore(store))
			}
			h := testfixtures.NewHarness(t, opts...)

			original := testfixtures.NewCourse(testfixtures.WithSection("A"))
			h.Schedule(t, original, original.EligibleMeetings[0], "h-1")

			moved := testfixtures.NewCourse(
				testfixtures.WithSection("A"),
				testfixtures.WithMeetings(testfixtures.Meeting("HUM-202", "MOWE", 10)),
				testfixtures.WithInstructors("u1", "u2"),
			)
			h.Registry.Set(moved)

			report := h.Run(t)
			if report.Enqueued != 2 || report.Succeeded != 2 || report.Errored != 0 {
				t.Fatalf("unexpected report: %+v", report)
			}

			changes := changesByField(h.Changes(t, "A"))
			for _, field := range []reconcile.FieldKind{reconcile.FieldMeetingUpdated, reconcile.FieldInstructorUIDs} {
				rec, ok := changes[field]
				if !ok {
					t.Fatalf("expected a %s record, got %v", field, changes)
				}
				if rec.Status != reconcile.StatusSucceeded {
					t.Fatalf("unexpected %s record: %+v", field, rec)
				}
			}

			rows := h.Recordings(t, "A")
			if len(rows) != 1 {
				t.Fatalf("expected one active row, got %d", len(rows))
			}
			if rows[0].Room != "HUM-202" || !rows[0].InstructorUIDs.Equal(reconcile.NewUIDSet("u1", "u2")) {
				t.Fatalf("projection not updated: %+v", rows[0])
			}

			event, _ := h.Scheduler.Event("h-1")
			if event.ResourceID != "agent-hum-202" || !slices.Equal(event.InstructorUIDs, []string{"u1", "u2"}) {
				t.Fatalf("scheduler not updated: %+v", event)
			}
			if got := len(h.Notifier.OfKind(notify.KindScheduleChange)); got != 1 {
				t.Fatalf("expected one schedule_change notification, got %d", got)
			}

			again := h.Run(t)
			if again.Enqueued != 0 || again.Succeeded != 0 {
				t.Fatalf("expected second pass to be a no-op, got %+v", again)
			}
		})
	}
}

func TestReconcilerCancelsWhenRoomBecomesIneligible(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("B"), testfixtures.WithCollaborators("c1"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-2")

	ineligible := testfixtures.NewCourse(
		testfixtures.WithSection("B"),
		testfixtures.WithMeetings(),
		testfixtures.WithIneligibleMeetings(testfixtures.Meeting("HUM-101", "MOWE", 10)),
		testfixtures.WithCollaborators("c1"),
	)
	h.Registry.Set(ineligible)

	report := h.Run(t)
	if report.Succeeded != 1 || report.Errored != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.Scheduler.CallCount(scheduler.OpCancel) != 1 || h.Scheduler.CallCount(scheduler.OpDelete) != 1 {
		t.Fatalf("expected one cancel and one delete, got %v", h.Scheduler.Calls())
	}
	if _, ok := h.Scheduler.Event("h-2"); ok {
		t.Fatalf("expected event to be deleted")
	}
	if rows := h.Recordings(t, "B"); len(rows) != 0 {
		t.Fatalf("expected row to be soft-deleted, got %+v", rows)
	}

	sent := h.Notifier.OfKind(notify.KindRoomNoLongerEligible)
	if len(sent) != 1 {
		t.Fatalf("expected one room_no_longer_eligible notification, got %d", len(sent))
	}
	if !slices.Equal(sent[0].Recipients, []string{"c1", "u1"}) || sent[0].Handle != "h-2" {
		t.Fatalf("unexpected notification: %+v", sent[0])
	}
}

func TestReconcilerCancelsDeletedCourse(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("C"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-3")
	h.Scheduler.FailOn(scheduler.OpGetEvent, "h-3", &scheduler.StatusError{Op: scheduler.OpGetEvent, Handle: "h-3", StatusCode: 404})

	h.Registry.Set(testfixtures.NewCourse(testfixtures.WithSection("C"), testfixtures.Deleted()))
	report := h.Run(t)

	if report.Succeeded != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.Scheduler.CallCount(scheduler.OpCancel) != 0 {
		t.Fatalf("expected no cancel for a schedule the vendor no longer has")
	}
	if got := len(h.Notifier.OfKind(notify.KindNoLongerScheduled)); got != 1 {
		t.Fatalf("expected one no_longer_scheduled notification, got %d", got)
	}
}

func TestReconcilerSchedulesApprovedCourse(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("D"), testfixtures.WithInstructors("u1", "u2"))
	h.Registry.Set(course)

	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(course, "u1", reconcile.ApproverInstructor, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}
	if report := h.Run(t); report.Scheduled != 0 {
		t.Fatalf("expected partial instructor approval not to schedule, got %+v", report)
	}

	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(course, "u2", reconcile.ApproverInstructor, time.Hour)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}
	report := h.Run(t)
	if report.Scheduled != 1 {
		t.Fatalf("expected course to be scheduled, got %+v", report)
	}

	rows := h.Recordings(t, "D")
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.Room != "HUM-101" || row.PublishType != reconcile.PublishMediaGallery || !row.StartDate.Equal(testfixtures.Date(2026, time.August, 24)) {
		t.Fatalf("unexpected row: %+v", row)
	}
	event, ok := h.Scheduler.Event(row.Handle)
	if !ok || event.ResourceID != "agent-hum-101" || !slices.Equal(event.Categories, []string{"site-D"}) {
		t.Fatalf("unexpected scheduled event: %+v", event)
	}

	sent := h.Notifier.OfKind(notify.KindScheduleChange)
	if len(sent) != 1 || sent[0].Details["event"] != "scheduled" {
		t.Fatalf("expected one scheduled notification, got %+v", sent)
	}

	if again := h.Run(t); again.Scheduled != 0 || again.Enqueued != 0 {
		t.Fatalf("expected second pass to leave the schedule alone, got %+v", again)
	}
}

func TestReconcilerSchedulesCrossListedSetOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := testfixtures.NewHarness(t)
	shared := testfixtures.Meeting("SCI-300", "TUTH", 9)
	principal := testfixtures.NewCourse(testfixtures.WithSection("X1"), testfixtures.WithMeetings(shared))
	listed := testfixtures.NewCourse(testfixtures.WithSection("X2"), testfixtures.WithMeetings(shared))
	h.Registry.Set(principal, listed)

	if err := h.Store.UpsertPreferences(ctx, reconcile.Preferences{
		TermID:        testfixtures.TermID,
		SectionID:     "X2",
		PublishType:   reconcile.PublishMediaGallery,
		RecordingType: reconcile.RecordingPresenterPresentationAudio,
		OptedOut:      true,
		UpdatedAt:     testfixtures.ReferenceTime(),
	}); err != nil {
		t.Fatalf("UpsertPreferences returned error: %v", err)
	}
	if err := h.Store.UpsertApproval(ctx, testfixtures.Approval(principal, "admin", reconcile.ApproverAdmin, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}

	report := h.Run(t)
	if report.Courses != 2 || report.CrossListed != 1 || report.Scheduled != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if n := h.Scheduler.CallCount(scheduler.OpCreate); n != 1 {
		t.Fatalf("expected one create for the set, got %d", n)
	}
	if rows := h.Recordings(t, "X1"); len(rows) != 1 {
		t.Fatalf("expected the principal to be scheduled, got %+v", rows)
	}
	if rows := h.Recordings(t, "X2"); len(rows) != 0 {
		t.Fatalf("expected no rows for the cross-listed section, got %+v", rows)
	}
	if changes := h.Changes(t, "X2"); len(changes) != 0 {
		t.Fatalf("expected no changes for the cross-listed section, got %+v", changes)
	}

	prefs, err := h.Store.ListPreferences(ctx, testfixtures.TermID, []string{"X2"})
	if err != nil {
		t.Fatalf("ListPreferences returned error: %v", err)
	}
	if len(prefs) != 1 || prefs[0].OptedOut {
		t.Fatalf("expected the opt-out of X2 to be cleared, got %+v", prefs)
	}

	if again := h.Run(t); again.CrossListed != 1 || again.Scheduled != 0 || again.Enqueued != 0 {
		t.Fatalf("expected the second pass to leave the set alone, got %+v", again)
	}
}

func TestReconcilerStartsLateScheduleToday(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	h.Clock.Set(time.Date(2026, time.September, 15, 14, 0, 0, 0, time.UTC))
	course := testfixtures.NewCourse(testfixtures.WithSection("E"), testfixtures.WithInstructors())
	h.Registry.Set(course)
	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(course, "admin", reconcile.ApproverAdmin, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}

	h.Run(t)
	rows := h.Recordings(t, "E")
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if !rows[0].StartDate.Equal(testfixtures.Date(2026, time.September, 15)) {
		t.Fatalf("expected start moved to today, got %s", rows[0].StartDate)
	}

	if again := h.Run(t); again.Enqueued != 0 {
		t.Fatalf("expected late start not to be reported as drift, got %+v", again)
	}
}

func TestReconcilerSkipsMeetingWithNoDaysLeft(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	// Wednesday of the last recording week; the course only meets on Mondays.
	h.Clock.Set(time.Date(2026, time.December, 9, 8, 0, 0, 0, time.UTC))
	course := testfixtures.NewCourse(
		testfixtures.WithSection("M"),
		testfixtures.WithMeetings(testfixtures.Meeting("SCI-300", "MO", 15)),
	)
	h.Registry.Set(course)
	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(course, "admin", reconcile.ApproverAdmin, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}

	report := h.Run(t)
	if report.Scheduled != 0 || report.Errored != 0 {
		t.Fatalf("expected nothing to schedule, got %+v", report)
	}
	if n := h.Scheduler.CallCount(scheduler.OpCreate); n != 0 {
		t.Fatalf("expected no create call, got %d", n)
	}
	if rows := h.Recordings(t, "M"); len(rows) != 0 {
		t.Fatalf("expected no rows, got %+v", rows)
	}
}

func TestReconcilerIgnoresAddedMeetingThatAlreadyEnded(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	h.Clock.Set(time.Date(2026, time.November, 2, 8, 0, 0, 0, time.UTC))
	lecture := testfixtures.Meeting("HUM-101", "MOWE", 10)
	lab := testfixtures.Meeting("SCI-300", "TU", 14)
	lab.EndDate = testfixtures.Date(2026, time.September, 30)
	course := testfixtures.NewCourse(
		testfixtures.WithSection("LAB"),
		testfixtures.WithMeetings(lecture, lab),
	)
	h.Schedule(t, course, course.EligibleMeetings[0], "h-lab")
	h.Registry.Set(course)

	for pass := 1; pass <= 3; pass++ {
		report := h.Run(t)
		if report.Enqueued != 0 || report.Errored != 0 {
			t.Fatalf("pass %d: expected nothing to enqueue, got %+v", pass, report)
		}
	}
	for _, rec := range h.Changes(t, "LAB") {
		if rec.Field == reconcile.FieldMeetingAdded {
			t.Fatalf("unexpected meeting_added record %+v", rec)
		}
	}
	if n := h.Scheduler.CallCount(scheduler.OpCreate); n != 0 {
		t.Fatalf("expected no create call, got %d", n)
	}
	if rows := h.Recordings(t, "LAB"); len(rows) != 1 {
		t.Fatalf("expected the lecture row only, got %+v", rows)
	}
}

func TestReconcilerIsolatesFailedFieldGroup(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("F"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-6")
	h.Scheduler.FailOn(scheduler.OpUpdateACL, "h-6", &scheduler.StatusError{Op: scheduler.OpUpdateACL, Handle: "h-6", StatusCode: 403, Message: "forbidden"})

	h.Registry.Set(testfixtures.NewCourse(
		testfixtures.WithSection("F"),
		testfixtures.WithMeetings(testfixtures.Meeting("HUM-202", "MOWE", 10)),
		testfixtures.WithInstructors("u1", "u2"),
	))
	report := h.Run(t)
	if report.Succeeded != 1 || report.Errored != 1 || report.Alerts != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	changes := changesByField(h.Changes(t, "F"))
	acl := changes[reconcile.FieldInstructorUIDs]
	if acl.Status != reconcile.StatusErrored || !strings.Contains(acl.Error, "update_acl") {
		t.Fatalf("expected instructor change to be errored, got %+v", acl)
	}
	if meeting := changes[reconcile.FieldMeetingUpdated]; meeting.Status != reconcile.StatusSucceeded {
		t.Fatalf("expected meeting change to succeed, got %+v", meeting)
	}

	rows := h.Recordings(t, "F")
	if rows[0].Room != "HUM-202" || !rows[0].InstructorUIDs.Equal(reconcile.NewUIDSet("u1")) {
		t.Fatalf("unexpected projection: %+v", rows[0])
	}

	alerts := h.Notifier.OfKind(notify.KindAdminAlert)
	if len(alerts) != 1 || alerts[0].Details["group"] != application.GroupACL {
		t.Fatalf("expected one acl alert, got %+v", alerts)
	}

	// the errored record is not retried; the drift is detected again
	h.Scheduler.FailOn(scheduler.OpUpdateACL, "h-6", nil)
	retry := h.Run(t)
	if retry.Enqueued != 1 || retry.Succeeded != 1 {
		t.Fatalf("expected drift to be re-enqueued and applied, got %+v", retry)
	}
}

func TestReconcilerLogsEachAttributeOnce(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("L"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-log")
	h.Scheduler.FailOn(scheduler.OpUpdateACL, "h-log", &scheduler.StatusError{Op: scheduler.OpUpdateACL, Handle: "h-log", StatusCode: 403, Message: "forbidden"})
	h.Registry.Set(testfixtures.NewCourse(
		testfixtures.WithSection("L"),
		testfixtures.WithMeetings(testfixtures.Meeting("HUM-202", "MOWE", 10)),
		testfixtures.WithInstructors("u1", "u2"),
	))

	var buf bytes.Buffer
	ctx := logging.ContextWithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if _, err := h.Reconciler.Run(ctx, testfixtures.TermID); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	sectionLines := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		for _, key := range []string{`"term_id":`, `"section_id":`, `"service":`, `"operation":`} {
			if n := strings.Count(line, key); n > 1 {
				t.Fatalf("%s logged %d times in %s", key, n, line)
			}
		}
		if !strings.Contains(line, `"term_id":"2026FA"`) {
			t.Fatalf("expected every pass line to carry the term, got %s", line)
		}
		if strings.Contains(line, `"section_id":"L"`) {
			sectionLines++
		}
	}
	if sectionLines == 0 {
		t.Fatalf("expected section scoped lines, got %s", buf.String())
	}
}

func TestReconcilerRejectsUnmappedRoom(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("G"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-7")

	h.Registry.Set(testfixtures.NewCourse(
		testfixtures.WithSection("G"),
		testfixtures.WithMeetings(testfixtures.Meeting("LAB-999", "MOWE", 10)),
	))
	report := h.Run(t)
	if report.Errored != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.Scheduler.CallCount(scheduler.OpUpdateTimeOrRoom) != 0 {
		t.Fatalf("expected no vendor mutation for an unmapped room")
	}

	rec := changesByField(h.Changes(t, "G"))[reconcile.FieldMeetingUpdated]
	if rec.Status != reconcile.StatusErrored || !strings.Contains(rec.Error, "room mapping") {
		t.Fatalf("expected configuration failure, got %+v", rec)
	}
	if rows := h.Recordings(t, "G"); rows[0].Room != "HUM-101" {
		t.Fatalf("expected projection untouched, got %+v", rows[0])
	}
}

func TestReconcilerRequiresNotificationTemplate(t *testing.T) {
	t.Parallel()

	recorder := notify.NewRecorder()
	recorder.Disable(notify.KindNoLongerScheduled)
	h := testfixtures.NewHarness(t, testfixtures.WithNotifier(recorder))
	course := testfixtures.NewCourse(testfixtures.WithSection("H"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-8")

	h.Registry.Set(testfixtures.NewCourse(testfixtures.WithSection("H"), testfixtures.Deleted()))
	report := h.Run(t)
	if report.Errored != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.Scheduler.CallCount(scheduler.OpCancel) != 0 || h.Scheduler.CallCount(scheduler.OpDelete) != 0 {
		t.Fatalf("expected no vendor call without a template")
	}
	if rows := h.Recordings(t, "H"); len(rows) != 1 {
		t.Fatalf("expected row to stay active, got %d", len(rows))
	}
}

func TestReconcilerCountsOnlySentSchedulingAlerts(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t, testfixtures.WithAlertWindow(time.Hour))
	course := testfixtures.NewCourse(testfixtures.WithSection("J"))
	h.Registry.Set(course)
	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(course, "admin", reconcile.ApproverAdmin, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}
	h.Scheduler.FailOn(scheduler.OpCreate, "", &scheduler.StatusError{Op: scheduler.OpCreate, StatusCode: 422, Message: "rejected"})

	first := h.Run(t)
	if first.Alerts != 1 || first.Scheduled != 0 || !slices.Equal(first.FailedSections, []string{"J"}) {
		t.Fatalf("unexpected first report: %+v", first)
	}
	second := h.Run(t)
	if second.Alerts != 0 || !slices.Equal(second.FailedSections, []string{"J"}) {
		t.Fatalf("expected the repeat alert to be throttled, got %+v", second)
	}
	if sent := h.Notifier.OfKind(notify.KindAdminAlert); len(sent) != 1 {
		t.Fatalf("expected one admin alert, got %d", len(sent))
	}

	h.Clock.Advance(2 * time.Hour)
	if third := h.Run(t); third.Alerts != 1 {
		t.Fatalf("expected the alert again after the window, got %+v", third)
	}
}

func TestReconcilerAlertsOrphanOnce(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	course := testfixtures.NewCourse(testfixtures.WithSection("I"))
	h.Schedule(t, course, course.EligibleMeetings[0], "h-9")
	h.Registry.Set()

	first := h.Run(t)
	if first.Orphans != 1 || first.Alerts != 1 {
		t.Fatalf("unexpected first report: %+v", first)
	}
	second := h.Run(t)
	if second.Orphans != 1 || second.Alerts != 0 {
		t.Fatalf("unexpected second report: %+v", second)
	}

	if got := len(h.Notifier.OfKind(notify.KindAdminAlert)); got != 1 {
		t.Fatalf("expected one admin alert, got %d", got)
	}
	rows := h.Recordings(t, "I")
	if len(rows) != 1 || !rows[0].HasAlert("data_integrity") {
		t.Fatalf("expected orphan row to keep its alert marker, got %+v", rows)
	}
	if h.Scheduler.CallCount(scheduler.OpDelete) != 0 {
		t.Fatalf("expected orphan to be left in place")
	}
}

func TestReconcilerRejectsUnknownTerm(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	if _, err := h.Reconciler.Run(context.Background(), "1999SP"); !errors.Is(err, application.ErrUnknownTerm) {
		t.Fatalf("expected ErrUnknownTerm, got %v", err)
	}
	if got := h.Reconciler.Terms(); !slices.Equal(got, []string{testfixtures.TermID}) {
		t.Fatalf("Terms() = %v", got)
	}
}

func TestReconcilerReportsRegistryFailure(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	boom := errors.New("registry offline")
	h.Registry.Fail(boom)

	if _, err := h.Reconciler.Run(context.Background(), testfixtures.TermID); !errors.Is(err, boom) {
		t.Fatalf("expected registry error, got %v", err)
	}
	if h.Reconciler.Running() {
		t.Fatalf("expected pass to be finished")
	}
}

type blockingRegistry struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRegistry) CourseChanges(ctx context.Context, _ string) ([]reconcile.Course, error) {
	close(r.entered)
	select {
	case <-r.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panickingScheduler struct {
	*scheduler.Fake
	handle string
}

func (p *panickingScheduler) GetEvent(ctx context.Context, handle string) (scheduler.Event, error) {
	if handle == p.handle {
		panic("vendor client bug")
	}
	return p.Fake.GetEvent(ctx, handle)
}

// rewire builds a reconciler over the harness state with a different
// scheduler client or registry.
func rewire(h *testfixtures.Harness, client scheduler.Client, registry application.Registry) *application.Reconciler {
	now := h.Clock.NowFunc()
	applier := application.NewApplier(application.ApplierDeps{
		Store:       h.Store,
		Queue:       h.Queue,
		Scheduler:   client,
		Notifier:    h.Notifier,
		Alerter:     h.Alerter,
		Rooms:       testfixtures.Rooms(),
		IDGenerator: testfixtures.NewIDGenerator("sched").NextFunc(),
		Now:         now,
	})
	return application.NewReconciler(application.ReconcilerDeps{
		Store:         h.Store,
		Registry:      registry,
		Queue:         h.Queue,
		CrossListings: application.NewCrossListingService(h.Store, h.Store, nil),
		Quorum:        application.NewQuorumService(h.Store, now, nil),
		Applier:       applier,
		Alerter:       h.Alerter,
		Terms:         []reconcile.Term{testfixtures.Term()},
		Now:           now,
	})
}

func TestReconcilerRunsOnePassAtATime(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	registry := &blockingRegistry{entered: make(chan struct{}), release: make(chan struct{})}
	reconciler := rewire(h, h.Scheduler, registry)

	done := make(chan error, 1)
	go func() {
		_, err := reconciler.Run(context.Background(), testfixtures.TermID)
		done <- err
	}()
	<-registry.entered

	if !reconciler.Running() {
		t.Fatalf("expected a pass to be running")
	}
	if _, err := reconciler.Run(context.Background(), testfixtures.TermID); !errors.Is(err, application.ErrPassInProgress) {
		t.Fatalf("expected ErrPassInProgress, got %v", err)
	}

	close(registry.release)
	if err := <-done; err != nil {
		t.Fatalf("first pass returned error: %v", err)
	}
	if reconciler.Running() {
		t.Fatalf("expected pass to be finished")
	}
}

func TestReconcilerRecoversFromSectionPanic(t *testing.T) {
	t.Parallel()

	h := testfixtures.NewHarness(t)
	broken := testfixtures.NewCourse(testfixtures.WithSection("J"))
	h.Schedule(t, broken, broken.EligibleMeetings[0], "h-10")
	healthy := testfixtures.NewCourse(
		testfixtures.WithSection("K"),
		testfixtures.WithMeetings(testfixtures.Meeting("SCI-300", "TUTH", 13)),
	)
	if err := h.Store.UpsertApproval(context.Background(), testfixtures.Approval(healthy, "admin", reconcile.ApproverAdmin, 0)); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}

	h.Registry.Set(
		testfixtures.NewCourse(testfixtures.WithSection("J"), testfixtures.WithInstructors("u1", "u2")),
		healthy,
	)
	reconciler := rewire(h, &panickingScheduler{Fake: h.Scheduler, handle: "h-10"}, h.Registry)

	report, err := reconciler.Run(context.Background(), testfixtures.TermID)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !slices.Equal(report.FailedSections, []string{"J"}) || report.Scheduled != 1 || report.Errored != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	rec := changesByField(h.Changes(t, "J"))[reconcile.FieldInstructorUIDs]
	if rec.Status != reconcile.StatusErrored || !strings.Contains(rec.Error, "panic") {
		t.Fatalf("expected panicking section's record to be errored, got %+v", rec)
	}
	if rows := h.Recordings(t, "K"); len(rows) != 1 {
		t.Fatalf("expected healthy section to be scheduled, got %d rows", len(rows))
	}
}
