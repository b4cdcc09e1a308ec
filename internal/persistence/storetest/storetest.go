// Package storetest holds the behavioural checks every persistence.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/recurrence"
)

// Opener returns a fresh, empty store. Implementations register cleanup on t.
type Opener func(t *testing.T) persistence.Store

// Run executes the store contract against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, store persistence.Store)
	}{
		{"RecordingRoundTrip", testRecordingRoundTrip},
		{"RecordingActiveHandleIsUnique", testRecordingActiveHandleIsUnique},
		{"RecordingSoftDelete", testRecordingSoftDelete},
		{"RecordingMissing", testRecordingMissing},
		{"ChangeRecordsKeepInsertionOrder", testChangeRecordsKeepInsertionOrder},
		{"ChangeRecordResolvesOnce", testChangeRecordResolvesOnce},
		{"ChangeRecordFilters", testChangeRecordFilters},
		{"ApprovalsUpsert", testApprovalsUpsert},
		{"CrossListingsReplace", testCrossListingsReplace},
		{"PreferencesAndOptOut", testPreferencesAndOptOut},
		{"WithinTxRollsBack", testWithinTxRollsBack},
		{"WithinTxCommits", testWithinTxCommits},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

var base = time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)

// Recording returns a populated projection row for section in term 2026FA.
func Recording(id, section, handle string) reconcile.ScheduledRecording {
	days, _ := recurrence.ParseDays("MOWE")
	return reconcile.ScheduledRecording{
		ID:               id,
		TermID:           "2026FA",
		SectionID:        section,
		Handle:           handle,
		Room:             "HUM-101",
		Days:             days,
		StartTime:        recurrence.NewTimeOfDay(9, 0),
		EndTime:          recurrence.NewTimeOfDay(10, 0),
		StartDate:        time.Date(2026, time.August, 24, 0, 0, 0, 0, time.UTC),
		EndDate:          time.Date(2026, time.December, 11, 0, 0, 0, 0, time.UTC),
		InstructorUIDs:   reconcile.NewUIDSet("alice", "bob"),
		CollaboratorUIDs: reconcile.NewUIDSet("carol"),
		PublishType:      reconcile.PublishMediaGallery,
		RecordingType:    reconcile.RecordingPresenterPresentationAudio,
		CreatedAt:        base,
		UpdatedAt:        base,
	}
}

// Change returns a queued instructor_uids change for section.
func Change(id, section string, created time.Time) reconcile.ChangeRecord {
	return reconcile.ChangeRecord{
		ID:        id,
		TermID:    "2026FA",
		SectionID: section,
		Field:     reconcile.FieldInstructorUIDs,
		Old:       reconcile.NewUIDSet("alice"),
		New:       reconcile.NewUIDSet("alice", "bob"),
		Status:    reconcile.StatusQueued,
		CreatedAt: created,
	}
}

var compareOpts = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) }),
	cmp.Comparer(func(a, b reconcile.MeetingDelta) bool { return a.Equal(b) }),
}

func testRecordingRoundTrip(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	rec := Recording("r1", "S1", "h1")
	rec.AlertsSent = []string{"orphan"}
	if err := store.CreateScheduledRecording(ctx, rec); err != nil {
		t.Fatalf("CreateScheduledRecording returned error: %v", err)
	}
	got, err := store.GetScheduledRecording(ctx, "r1")
	if err != nil {
		t.Fatalf("GetScheduledRecording returned error: %v", err)
	}
	if diff := cmp.Diff(rec, got, compareOpts...); diff != "" {
		t.Fatalf("recording mismatch (-want +got):\n%s", diff)
	}

	rec.Room = "HUM-202"
	rec.InstructorUIDs = reconcile.NewUIDSet("alice")
	rec.UpdatedAt = base.Add(time.Hour)
	if err := store.UpdateScheduledRecording(ctx, rec); err != nil {
		t.Fatalf("UpdateScheduledRecording returned error: %v", err)
	}
	list, err := store.ListScheduledRecordings(ctx, persistence.RecordingFilter{TermID: "2026FA", SectionID: "S1"})
	if err != nil {
		t.Fatalf("ListScheduledRecordings returned error: %v", err)
	}
	if len(list) != 1 || list[0].Room != "HUM-202" || !list[0].InstructorUIDs.Equal(reconcile.NewUIDSet("alice")) {
		t.Fatalf("unexpected listing %+v", list)
	}
}

func testRecordingActiveHandleIsUnique(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	if err := store.CreateScheduledRecording(ctx, Recording("r1", "S1", "h1")); err != nil {
		t.Fatalf("CreateScheduledRecording returned error: %v", err)
	}
	err := store.CreateScheduledRecording(ctx, Recording("r2", "S1", "h1"))
	if !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for second active row, got %v", err)
	}
	if err := store.CreateScheduledRecording(ctx, Recording("r1", "S2", "h9")); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for reused id, got %v", err)
	}

	if err := store.SoftDeleteScheduledRecording(ctx, "r1", base.Add(time.Hour)); err != nil {
		t.Fatalf("SoftDeleteScheduledRecording returned error: %v", err)
	}
	if err := store.CreateScheduledRecording(ctx, Recording("r2", "S1", "h1")); err != nil {
		t.Fatalf("handle should be reusable after soft delete: %v", err)
	}
}

func testRecordingSoftDelete(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	for _, rec := range []reconcile.ScheduledRecording{
		Recording("r1", "S1", "h1"),
		Recording("r2", "S1", "h2"),
		Recording("r3", "S2", "h3"),
	} {
		if err := store.CreateScheduledRecording(ctx, rec); err != nil {
			t.Fatalf("CreateScheduledRecording(%s) returned error: %v", rec.ID, err)
		}
	}
	deletedAt := base.Add(48 * time.Hour)
	if err := store.SoftDeleteScheduledRecording(ctx, "r2", deletedAt); err != nil {
		t.Fatalf("SoftDeleteScheduledRecording returned error: %v", err)
	}

	active, err := store.ListScheduledRecordings(ctx, persistence.RecordingFilter{TermID: "2026FA", SectionID: "S1"})
	if err != nil {
		t.Fatalf("ListScheduledRecordings returned error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "r1" {
		t.Fatalf("expected only r1 active, got %+v", active)
	}

	all, err := store.ListScheduledRecordings(ctx, persistence.RecordingFilter{TermID: "2026FA", IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListScheduledRecordings returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows including deleted, got %d", len(all))
	}
	for _, rec := range all {
		if rec.ID == "r2" && (rec.DeletedAt == nil || !rec.DeletedAt.Equal(deletedAt)) {
			t.Fatalf("expected r2 deleted at %v, got %v", deletedAt, rec.DeletedAt)
		}
	}
}

func testRecordingMissing(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	if _, err := store.GetScheduledRecording(ctx, "nope"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateScheduledRecording(ctx, Recording("nope", "S1", "h1")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
	if err := store.SoftDeleteScheduledRecording(ctx, "nope", base); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on soft delete, got %v", err)
	}
}

func testChangeRecordsKeepInsertionOrder(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	first := Change("c-b", "S1", base)
	second := Change("c-a", "S1", base)
	second.Field = reconcile.FieldMeetingUpdated
	start := recurrence.NewTimeOfDay(11, 0)
	oldStart := recurrence.NewTimeOfDay(9, 0)
	second.Old = reconcile.MeetingDelta{StartTime: &oldStart}
	second.New = reconcile.MeetingDelta{StartTime: &start}
	second.Handle = "h1"
	third := Change("c-c", "S1", base)
	third.Field = reconcile.FieldPublishType
	third.Old = reconcile.PublishMediaGallery
	third.New = reconcile.PublishMyMedia
	third.RequestedBy = "admin1"

	if err := store.InsertChangeRecords(ctx, []reconcile.ChangeRecord{first, second}); err != nil {
		t.Fatalf("InsertChangeRecords returned error: %v", err)
	}
	if err := store.InsertChangeRecords(ctx, []reconcile.ChangeRecord{third}); err != nil {
		t.Fatalf("InsertChangeRecords returned error: %v", err)
	}

	got, err := store.ListChangeRecords(ctx, persistence.ChangeFilter{TermID: "2026FA", SectionID: "S1"})
	if err != nil {
		t.Fatalf("ListChangeRecords returned error: %v", err)
	}
	want := []reconcile.ChangeRecord{first, second, third}
	if diff := cmp.Diff(want, got, compareOpts...); diff != "" {
		t.Fatalf("change records mismatch (-want +got):\n%s", diff)
	}

	if err := store.InsertChangeRecords(ctx, []reconcile.ChangeRecord{first}); !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for repeated id, got %v", err)
	}
}

func testChangeRecordResolvesOnce(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	if err := store.InsertChangeRecords(ctx, []reconcile.ChangeRecord{Change("c1", "S1", base)}); err != nil {
		t.Fatalf("InsertChangeRecords returned error: %v", err)
	}
	resolved := base.Add(time.Minute)
	if err := store.ResolveChangeRecord(ctx, "c1", reconcile.StatusErrored, resolved, "vendor timeout"); err != nil {
		t.Fatalf("ResolveChangeRecord returned error: %v", err)
	}
	err := store.ResolveChangeRecord(ctx, "c1", reconcile.StatusSucceeded, resolved, "")
	if !errors.Is(err, persistence.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := store.ResolveChangeRecord(ctx, "missing", reconcile.StatusSucceeded, resolved, ""); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.ListChangeRecords(ctx, persistence.ChangeFilter{TermID: "2026FA"})
	if err != nil {
		t.Fatalf("ListChangeRecords returned error: %v", err)
	}
	if len(got) != 1 || got[0].Status != reconcile.StatusErrored || got[0].Error != "vendor timeout" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got[0].ResolvedAt == nil || !got[0].ResolvedAt.Equal(resolved) {
		t.Fatalf("expected resolved-at %v, got %v", resolved, got[0].ResolvedAt)
	}
}

func testChangeRecordFilters(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	records := []reconcile.ChangeRecord{
		Change("c1", "S1", base),
		Change("c2", "S2", base),
		Change("c3", "S1", base.Add(time.Minute)),
	}
	records[2].Field = reconcile.FieldCollaboratorUIDs
	if err := store.InsertChangeRecords(ctx, records); err != nil {
		t.Fatalf("InsertChangeRecords returned error: %v", err)
	}
	if err := store.ResolveChangeRecord(ctx, "c1", reconcile.StatusSucceeded, base, ""); err != nil {
		t.Fatalf("ResolveChangeRecord returned error: %v", err)
	}

	tests := []struct {
		name   string
		filter persistence.ChangeFilter
		want   []string
	}{
		{"all", persistence.ChangeFilter{}, []string{"c1", "c2", "c3"}},
		{"section", persistence.ChangeFilter{TermID: "2026FA", SectionID: "S1"}, []string{"c1", "c3"}},
		{"queued", persistence.ChangeFilter{TermID: "2026FA", Statuses: []reconcile.Status{reconcile.StatusQueued}}, []string{"c2", "c3"}},
		{"field", persistence.ChangeFilter{Fields: []reconcile.FieldKind{reconcile.FieldCollaboratorUIDs}}, []string{"c3"}},
		{"limit", persistence.ChangeFilter{Limit: 2}, []string{"c1", "c2"}},
		{"other term", persistence.ChangeFilter{TermID: "2027SP"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListChangeRecords(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListChangeRecords returned error: %v", err)
			}
			var ids []string
			for _, rec := range got {
				ids = append(ids, rec.ID)
			}
			if diff := cmp.Diff(tt.want, ids, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func testApprovalsUpsert(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	approval := reconcile.Approval{
		TermID:        "2026FA",
		SectionID:     "S1",
		ApproverUID:   "alice",
		Kind:          reconcile.ApproverInstructor,
		PublishType:   reconcile.PublishMediaGallery,
		RecordingType: reconcile.RecordingPresenterAudio,
		CreatedAt:     base,
	}
	if err := store.UpsertApproval(ctx, approval); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}
	approval.PublishType = reconcile.PublishMyMedia
	approval.CreatedAt = base.Add(time.Hour)
	if err := store.UpsertApproval(ctx, approval); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}
	deleted := base
	if err := store.UpsertApproval(ctx, reconcile.Approval{
		TermID: "2026FA", SectionID: "S1", ApproverUID: "bob",
		Kind: reconcile.ApproverInstructor, CreatedAt: base, DeletedAt: &deleted,
	}); err != nil {
		t.Fatalf("UpsertApproval returned error: %v", err)
	}

	got, err := store.ListApprovals(ctx, "2026FA", "S1")
	if err != nil {
		t.Fatalf("ListApprovals returned error: %v", err)
	}
	if diff := cmp.Diff([]reconcile.Approval{approval}, got, compareOpts...); diff != "" {
		t.Fatalf("approvals mismatch (-want +got):\n%s", diff)
	}
}

func testCrossListingsReplace(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	first := []reconcile.CrossListing{
		{TermID: "2026FA", SectionID: "S1", CrossListedIDs: []string{"S2"}, Signature: "sig"},
		{TermID: "2026FA", SectionID: "S2", CrossListedIDs: []string{"S1"}, Signature: "sig"},
	}
	if err := store.ReplaceCrossListings(ctx, "2026FA", first); err != nil {
		t.Fatalf("ReplaceCrossListings returned error: %v", err)
	}
	if err := store.ReplaceCrossListings(ctx, "2027SP", []reconcile.CrossListing{
		{TermID: "2027SP", SectionID: "S9", CrossListedIDs: []string{"S8"}, Signature: "other"},
	}); err != nil {
		t.Fatalf("ReplaceCrossListings returned error: %v", err)
	}
	second := []reconcile.CrossListing{
		{TermID: "2026FA", SectionID: "S3", CrossListedIDs: []string{"S4"}, Signature: "sig2"},
	}
	if err := store.ReplaceCrossListings(ctx, "2026FA", second); err != nil {
		t.Fatalf("ReplaceCrossListings returned error: %v", err)
	}
	if err := store.ReplaceCrossListings(ctx, "2026FA", second); err != nil {
		t.Fatalf("ReplaceCrossListings should be idempotent: %v", err)
	}

	got, err := store.ListCrossListings(ctx, "2026FA")
	if err != nil {
		t.Fatalf("ListCrossListings returned error: %v", err)
	}
	if diff := cmp.Diff(second, got, compareOpts...); diff != "" {
		t.Fatalf("cross-listings mismatch (-want +got):\n%s", diff)
	}
	other, err := store.ListCrossListings(ctx, "2027SP")
	if err != nil {
		t.Fatalf("ListCrossListings returned error: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("replacing one term must not touch another, got %+v", other)
	}
}

func testPreferencesAndOptOut(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	for _, prefs := range []reconcile.Preferences{
		{TermID: "2026FA", SectionID: "S1", PublishType: reconcile.PublishMediaGallery, RecordingType: reconcile.RecordingPresenterAudio, OptedOut: true, UpdatedAt: base},
		{TermID: "2026FA", SectionID: "S2", PublishType: reconcile.PublishMyMedia, OptedOut: true, UpdatedAt: base},
		{TermID: "2026FA", SectionID: "S3", PublishType: reconcile.PublishMyMedia, OptedOut: true, UpdatedAt: base},
	} {
		if err := store.UpsertPreferences(ctx, prefs); err != nil {
			t.Fatalf("UpsertPreferences returned error: %v", err)
		}
	}

	cleared := base.Add(time.Hour)
	if err := store.ClearOptOut(ctx, "2026FA", []string{"S1", "S2", "S-missing"}, cleared); err != nil {
		t.Fatalf("ClearOptOut returned error: %v", err)
	}

	got, err := store.ListPreferences(ctx, "2026FA", []string{"S2", "S1"})
	if err != nil {
		t.Fatalf("ListPreferences returned error: %v", err)
	}
	if len(got) != 2 || got[0].SectionID != "S1" || got[1].SectionID != "S2" {
		t.Fatalf("unexpected preferences %+v", got)
	}
	for _, p := range got {
		if p.OptedOut || !p.UpdatedAt.Equal(cleared) {
			t.Fatalf("expected opt-out cleared at %v, got %+v", cleared, p)
		}
	}
	if got[0].RecordingType != reconcile.RecordingPresenterAudio {
		t.Fatalf("ClearOptOut must keep other preferences, got %+v", got[0])
	}

	all, err := store.ListPreferences(ctx, "2026FA", nil)
	if err != nil {
		t.Fatalf("ListPreferences returned error: %v", err)
	}
	if len(all) != 3 || !all[2].OptedOut {
		t.Fatalf("expected S3 untouched, got %+v", all)
	}
}

func testWithinTxRollsBack(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	if err := store.InsertChangeRecords(ctx, []reconcile.ChangeRecord{Change("c1", "S1", base)}); err != nil {
		t.Fatalf("InsertChangeRecords returned error: %v", err)
	}
	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx persistence.Repositories) error {
		if err := tx.CreateScheduledRecording(ctx, Recording("r1", "S1", "h1")); err != nil {
			return err
		}
		if err := tx.ResolveChangeRecord(ctx, "c1", reconcile.StatusSucceeded, base, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := store.GetScheduledRecording(ctx, "r1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected rolled back recording, got %v", err)
	}
	got, err := store.ListChangeRecords(ctx, persistence.ChangeFilter{})
	if err != nil {
		t.Fatalf("ListChangeRecords returned error: %v", err)
	}
	if got[0].Status != reconcile.StatusQueued {
		t.Fatalf("expected change to stay queued, got %s", got[0].Status)
	}
}

func testWithinTxCommits(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	err := store.WithinTx(ctx, func(tx persistence.Repositories) error {
		if err := tx.CreateScheduledRecording(ctx, Recording("r1", "S1", "h1")); err != nil {
			return err
		}
		rows, err := tx.ListScheduledRecordings(ctx, persistence.RecordingFilter{TermID: "2026FA"})
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			t.Errorf("expected the transaction to read its own write, got %d rows", len(rows))
		}
		return tx.InsertChangeRecords(ctx, []reconcile.ChangeRecord{Change("c1", "S1", base)})
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}
	if _, err := store.GetScheduledRecording(ctx, "r1"); err != nil {
		t.Fatalf("expected committed recording, got %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
}
