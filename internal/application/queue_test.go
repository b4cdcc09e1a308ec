package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/persistence/memory"
	"github.com/example/capture-scheduler/internal/reconcile"
)

var queueNow = time.Date(2026, time.September, 1, 8, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) (*ChangeQueue, persistence.Store) {
	t.Helper()
	store, err := memory.Open()
	if err != nil {
		t.Fatalf("failed to open memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var seq int
	ids := func() string {
		seq++
		return fmt.Sprintf("chg-%03d", seq)
	}
	return NewChangeQueue(store, ids, func() time.Time { return queueNow }, nil), store
}

func collaboratorChange(section string, before, after []string, requestedBy string) reconcile.ChangeRecord {
	return reconcile.ChangeRecord{
		TermID:      "2026FA",
		SectionID:   section,
		Field:       reconcile.FieldCollaboratorUIDs,
		Old:         reconcile.NewUIDSet(before...),
		New:         reconcile.NewUIDSet(after...),
		RequestedBy: requestedBy,
	}
}

func TestChangeQueueEnqueueStampsRecords(t *testing.T) {
	t.Parallel()

	queue, _ := newTestQueue(t)
	ctx := context.Background()

	rec := collaboratorChange("A", nil, []string{"c1"}, "")
	rec.Status = reconcile.StatusSucceeded
	rec.Error = "stale"

	stored, err := queue.Enqueue(ctx, []reconcile.ChangeRecord{rec})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected one record, got %d", len(stored))
	}
	got := stored[0]
	if got.ID != "chg-001" || got.Status != reconcile.StatusQueued || !got.CreatedAt.Equal(queueNow) || got.Error != "" {
		t.Fatalf("record not stamped: %+v", got)
	}

	pending, err := queue.PendingBySection(ctx, "2026FA", "A")
	if err != nil {
		t.Fatalf("PendingBySection returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "chg-001" {
		t.Fatalf("expected stored record pending, got %+v", pending)
	}
}

func TestChangeQueueEnqueueRejectsMalformedValues(t *testing.T) {
	t.Parallel()

	queue, _ := newTestQueue(t)
	bad := reconcile.ChangeRecord{
		TermID:    "2026FA",
		SectionID: "A",
		Field:     reconcile.FieldInstructorUIDs,
		New:       reconcile.PublishMyMedia,
	}
	if _, err := queue.Enqueue(context.Background(), []reconcile.ChangeRecord{bad}); !errors.Is(err, reconcile.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if sections, _ := queue.PendingSections(context.Background(), "2026FA"); len(sections) != 0 {
		t.Fatalf("expected nothing stored, got %v", sections)
	}
}

func TestChangeQueueResolvesOnce(t *testing.T) {
	t.Parallel()

	queue, _ := newTestQueue(t)
	ctx := context.Background()
	stored, err := queue.Enqueue(ctx, []reconcile.ChangeRecord{collaboratorChange("A", nil, []string{"c1"}, "")})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	id := stored[0].ID

	if err := queue.MarkSucceeded(ctx, id); err != nil {
		t.Fatalf("MarkSucceeded returned error: %v", err)
	}
	err = queue.MarkErrored(ctx, id, "late failure")
	if !errors.Is(err, persistence.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if ignoreResolved(err) != nil {
		t.Fatalf("expected ignoreResolved to drop ErrAlreadyResolved")
	}

	succeeded, err := queue.FindSucceeded(ctx, "2026FA", "A", reconcile.FieldCollaboratorUIDs, nil)
	if err != nil {
		t.Fatalf("FindSucceeded returned error: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ResolvedAt == nil || succeeded[0].Error != "" {
		t.Fatalf("expected one succeeded record, got %+v", succeeded)
	}
}

func TestChangeQueuePendingSections(t *testing.T) {
	t.Parallel()

	queue, _ := newTestQueue(t)
	ctx := context.Background()
	stored, err := queue.Enqueue(ctx, []reconcile.ChangeRecord{
		collaboratorChange("A", nil, []string{"c1"}, ""),
		collaboratorChange("B", nil, []string{"c2"}, ""),
		collaboratorChange("B", []string{"c2"}, nil, ""),
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if err := queue.MarkErrored(ctx, stored[0].ID, "boom"); err != nil {
		t.Fatalf("MarkErrored returned error: %v", err)
	}

	sections, err := queue.PendingSections(ctx, "2026FA")
	if err != nil {
		t.Fatalf("PendingSections returned error: %v", err)
	}
	if len(sections["A"]) != 0 || len(sections["B"]) != 2 {
		t.Fatalf("unexpected pending sections: %v", sections)
	}
}

func TestChangeQueueLastManualOverride(t *testing.T) {
	t.Parallel()

	queue, _ := newTestQueue(t)
	ctx := context.Background()
	stored, err := queue.Enqueue(ctx, []reconcile.ChangeRecord{
		collaboratorChange("A", nil, []string{"c1"}, "admin"),
		collaboratorChange("A", []string{"c1"}, nil, "admin"),
		collaboratorChange("A", nil, []string{"c2"}, ""),
		collaboratorChange("A", nil, []string{"c3"}, "admin"),
	})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	for _, rec := range stored[:3] {
		if err := queue.MarkSucceeded(ctx, rec.ID); err != nil {
			t.Fatalf("MarkSucceeded returned error: %v", err)
		}
	}
	// c3 stays queued and must not count

	cases := map[string]reconcile.OverrideAction{
		"c1": reconcile.OverrideRemoved,
		"c2": reconcile.OverrideNone,
		"c3": reconcile.OverrideNone,
	}
	for uid, want := range cases {
		got, err := queue.LastManualOverride(ctx, "2026FA", "A", uid)
		if err != nil {
			t.Fatalf("LastManualOverride(%s) returned error: %v", uid, err)
		}
		if got != want {
			t.Fatalf("LastManualOverride(%s) = %v, want %v", uid, got, want)
		}
	}
}
