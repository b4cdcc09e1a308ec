package persistence

import (
	"context"
	"time"

	"github.com/example/capture-scheduler/internal/reconcile"
)

// RecordingFilter narrows projection queries.
type RecordingFilter struct {
	TermID         string
	SectionID      string
	Handle         string
	IncludeDeleted bool
}

// ScheduledRecordingRepository stores the projection of externally scheduled recordings.
type ScheduledRecordingRepository interface {
	CreateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error
	UpdateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error
	GetScheduledRecording(ctx context.Context, id string) (reconcile.ScheduledRecording, error)
	// ListScheduledRecordings returns rows ordered by creation time then id.
	ListScheduledRecordings(ctx context.Context, filter RecordingFilter) ([]reconcile.ScheduledRecording, error)
	SoftDeleteScheduledRecording(ctx context.Context, id string, deletedAt time.Time) error
}

// ChangeFilter narrows change record queries. Empty fields match everything.
type ChangeFilter struct {
	TermID    string
	SectionID string
	Statuses  []reconcile.Status
	Fields    []reconcile.FieldKind
	Limit     int
}

// ChangeRecordRepository is the append-mostly change log.
type ChangeRecordRepository interface {
	InsertChangeRecords(ctx context.Context, records []reconcile.ChangeRecord) error
	// ListChangeRecords returns records in insertion order.
	ListChangeRecords(ctx context.Context, filter ChangeFilter) ([]reconcile.ChangeRecord, error)
	// ResolveChangeRecord moves a queued record to a terminal status. It
	// returns ErrAlreadyResolved when the record is no longer queued.
	ResolveChangeRecord(ctx context.Context, id string, status reconcile.Status, resolvedAt time.Time, message string) error
}

// ApprovalRepository exposes approvals recorded by the approval workflow.
type ApprovalRepository interface {
	UpsertApproval(ctx context.Context, approval reconcile.Approval) error
	// ListApprovals returns non-deleted approvals of a section.
	ListApprovals(ctx context.Context, termID, sectionID string) ([]reconcile.Approval, error)
}

// CrossListingRepository stores the per-term cross-listing table.
type CrossListingRepository interface {
	// ReplaceCrossListings swaps the whole table for a term.
	ReplaceCrossListings(ctx context.Context, termID string, listings []reconcile.CrossListing) error
	ListCrossListings(ctx context.Context, termID string) ([]reconcile.CrossListing, error)
}

// PreferenceRepository stores per-section publish and opt-out choices.
type PreferenceRepository interface {
	UpsertPreferences(ctx context.Context, prefs reconcile.Preferences) error
	ListPreferences(ctx context.Context, termID string, sectionIDs []string) ([]reconcile.Preferences, error)
	ClearOptOut(ctx context.Context, termID string, sectionIDs []string, at time.Time) error
}

// Repositories groups every repository of the reconciler.
type Repositories interface {
	ScheduledRecordingRepository
	ChangeRecordRepository
	ApprovalRepository
	CrossListingRepository
	PreferenceRepository
}

// Store is a Repositories implementation that can run work atomically.
type Store interface {
	Repositories
	// WithinTx runs fn against a transactional view of the store. Writes made
	// through tx are committed only when fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}

// MatchesStatus reports whether status passes the filter.
func (f ChangeFilter) MatchesStatus(status reconcile.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// MatchesField reports whether field passes the filter.
func (f ChangeFilter) MatchesField(field reconcile.FieldKind) bool {
	if len(f.Fields) == 0 {
		return true
	}
	for _, k := range f.Fields {
		if k == field {
			return true
		}
	}
	return false
}

// Matches reports whether rec passes the filter.
func (f RecordingFilter) Matches(rec reconcile.ScheduledRecording) bool {
	if f.TermID != "" && rec.TermID != f.TermID {
		return false
	}
	if f.SectionID != "" && rec.SectionID != f.SectionID {
		return false
	}
	if f.Handle != "" && rec.Handle != f.Handle {
		return false
	}
	return f.IncludeDeleted || rec.DeletedAt == nil
}
