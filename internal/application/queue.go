package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/capture-scheduler/internal/metrics"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// ChangeQueue is the only writer of change records. Records enter queued and
// leave it exactly once, through MarkSucceeded or MarkErrored.
type ChangeQueue struct {
	changes     persistence.ChangeRecordRepository
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

var _ reconcile.OverrideLedger = (*ChangeQueue)(nil)

// NewChangeQueue wires the queue to its repository.
func NewChangeQueue(changes persistence.ChangeRecordRepository, idGenerator func() string, now func() time.Time, logger *slog.Logger) *ChangeQueue {
	if idGenerator == nil {
		idGenerator = func() string { return "" }
	}
	if now == nil {
		now = time.Now
	}
	return &ChangeQueue{
		changes:     changes,
		idGenerator: idGenerator,
		now:         now,
		logger:      defaultLogger(logger),
	}
}

// WithRepository returns a queue that writes through changes, typically a
// transactional view.
func (q *ChangeQueue) WithRepository(changes persistence.ChangeRecordRepository) *ChangeQueue {
	clone := *q
	clone.changes = changes
	return &clone
}

// Enqueue stamps and stores new records and returns them as persisted.
func (q *ChangeQueue) Enqueue(ctx context.Context, records []reconcile.ChangeRecord) ([]reconcile.ChangeRecord, error) {
	if len(records) == 0 {
		return nil, nil
	}
	now := q.now()
	stamped := make([]reconcile.ChangeRecord, 0, len(records))
	for _, rec := range records {
		if err := reconcile.ValidateValues(rec.Field, rec.Old, rec.New); err != nil {
			return nil, fmt.Errorf("enqueue %s/%s: %w", rec.SectionID, rec.Field, err)
		}
		rec.ID = q.idGenerator()
		rec.Status = reconcile.StatusQueued
		rec.CreatedAt = now
		rec.ResolvedAt = nil
		rec.Error = ""
		stamped = append(stamped, rec)
	}
	if err := q.changes.InsertChangeRecords(ctx, stamped); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	counts := make(map[reconcile.FieldKind]int)
	for _, rec := range stamped {
		counts[rec.Field]++
	}
	for field, n := range counts {
		metrics.ChangesEnqueued(string(field), n)
	}
	serviceLogger(ctx, q.logger, "ChangeQueue", "Enqueue").DebugContext(ctx, "change records enqueued", "count", len(stamped))
	return stamped, nil
}

// PendingBySection returns the queued records of a section in insertion order.
func (q *ChangeQueue) PendingBySection(ctx context.Context, termID, sectionID string) ([]reconcile.ChangeRecord, error) {
	return q.changes.ListChangeRecords(ctx, persistence.ChangeFilter{
		TermID:    termID,
		SectionID: sectionID,
		Statuses:  []reconcile.Status{reconcile.StatusQueued},
	})
}

// PendingSections groups every queued record of a term by section.
func (q *ChangeQueue) PendingSections(ctx context.Context, termID string) (map[string][]reconcile.ChangeRecord, error) {
	records, err := q.changes.ListChangeRecords(ctx, persistence.ChangeFilter{
		TermID:   termID,
		Statuses: []reconcile.Status{reconcile.StatusQueued},
	})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]reconcile.ChangeRecord)
	for _, rec := range records {
		grouped[rec.SectionID] = append(grouped[rec.SectionID], rec)
	}
	return grouped, nil
}

// MarkSucceeded resolves a queued record as succeeded.
func (q *ChangeQueue) MarkSucceeded(ctx context.Context, id string) error {
	return q.resolve(ctx, id, reconcile.StatusSucceeded, "")
}

// MarkErrored resolves a queued record as errored with message.
func (q *ChangeQueue) MarkErrored(ctx context.Context, id, message string) error {
	return q.resolve(ctx, id, reconcile.StatusErrored, message)
}

func (q *ChangeQueue) resolve(ctx context.Context, id string, status reconcile.Status, message string) error {
	if err := q.changes.ResolveChangeRecord(ctx, id, status, q.now(), message); err != nil {
		return fmt.Errorf("resolve %s as %s: %w", id, status, err)
	}
	return nil
}

// FindSucceeded returns succeeded records of a section field that satisfy match.
// A nil match accepts every record.
func (q *ChangeQueue) FindSucceeded(ctx context.Context, termID, sectionID string, field reconcile.FieldKind, match func(reconcile.ChangeRecord) bool) ([]reconcile.ChangeRecord, error) {
	records, err := q.changes.ListChangeRecords(ctx, persistence.ChangeFilter{
		TermID:    termID,
		SectionID: sectionID,
		Statuses:  []reconcile.Status{reconcile.StatusSucceeded},
		Fields:    []reconcile.FieldKind{field},
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return records, nil
	}
	out := records[:0]
	for _, rec := range records {
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LastManualOverride reports the direction of the most recent succeeded,
// human-requested collaborator change that touched uid.
func (q *ChangeQueue) LastManualOverride(ctx context.Context, termID, sectionID, uid string) (reconcile.OverrideAction, error) {
	records, err := q.FindSucceeded(ctx, termID, sectionID, reconcile.FieldCollaboratorUIDs, reconcile.ChangeRecord.Manual)
	if err != nil {
		return reconcile.OverrideNone, err
	}
	action := reconcile.OverrideNone
	for _, rec := range records {
		before, _ := rec.Old.(reconcile.UIDSet)
		after, _ := rec.New.(reconcile.UIDSet)
		switch {
		case after.Contains(uid) && !before.Contains(uid):
			action = reconcile.OverrideAdded
		case before.Contains(uid) && !after.Contains(uid):
			action = reconcile.OverrideRemoved
		}
	}
	return action, nil
}

// ignoreResolved drops ErrAlreadyResolved, which means another writer got there first.
func ignoreResolved(err error) error {
	if errors.Is(err, persistence.ErrAlreadyResolved) {
		return nil
	}
	return err
}
