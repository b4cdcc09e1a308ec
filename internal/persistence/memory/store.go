// Package memory provides a go-memdb backed implementation of persistence.Store.
// It keeps the same invariants as the SQLite store and is used by tests and by
// the "memory" storage driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// Store is an in-memory persistence.Store.
type Store struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

var _ persistence.Store = (*Store)(nil)

// Open returns an empty store.
func Open() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memory: create database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases resources held by the store. No-op for the in-memory implementation.
func (s *Store) Close() error {
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// WithinTx runs fn inside a single write transaction. Write transactions are
// serialized, so fn must only use the tx argument.
func (s *Store) WithinTx(ctx context.Context, fn func(tx persistence.Repositories) error) error {
	txn := s.db.Txn(true)
	if err := fn(&txRepos{txn: txn, store: s}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) update(fn func(r *txRepos) error) error {
	txn := s.db.Txn(true)
	if err := fn(&txRepos{txn: txn, store: s}); err != nil {
		txn.Abort()
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) view() *txRepos {
	return &txRepos{txn: s.db.Txn(false), store: s}
}

// --- ScheduledRecordingRepository implementation ---

// CreateScheduledRecording stores a new projection row.
func (s *Store) CreateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error {
	return s.update(func(r *txRepos) error { return r.CreateScheduledRecording(ctx, rec) })
}

// UpdateScheduledRecording replaces an existing projection row.
func (s *Store) UpdateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error {
	return s.update(func(r *txRepos) error { return r.UpdateScheduledRecording(ctx, rec) })
}

// GetScheduledRecording retrieves a projection row by id.
func (s *Store) GetScheduledRecording(ctx context.Context, id string) (reconcile.ScheduledRecording, error) {
	return s.view().GetScheduledRecording(ctx, id)
}

// ListScheduledRecordings returns projection rows matching the filter.
func (s *Store) ListScheduledRecordings(ctx context.Context, filter persistence.RecordingFilter) ([]reconcile.ScheduledRecording, error) {
	return s.view().ListScheduledRecordings(ctx, filter)
}

// SoftDeleteScheduledRecording stamps the deletion time of a projection row.
func (s *Store) SoftDeleteScheduledRecording(ctx context.Context, id string, deletedAt time.Time) error {
	return s.update(func(r *txRepos) error { return r.SoftDeleteScheduledRecording(ctx, id, deletedAt) })
}

// --- ChangeRecordRepository implementation ---

// InsertChangeRecords appends records to the change log.
func (s *Store) InsertChangeRecords(ctx context.Context, records []reconcile.ChangeRecord) error {
	return s.update(func(r *txRepos) error { return r.InsertChangeRecords(ctx, records) })
}

// ListChangeRecords returns change records in insertion order.
func (s *Store) ListChangeRecords(ctx context.Context, filter persistence.ChangeFilter) ([]reconcile.ChangeRecord, error) {
	return s.view().ListChangeRecords(ctx, filter)
}

// ResolveChangeRecord moves a queued record to a terminal status.
func (s *Store) ResolveChangeRecord(ctx context.Context, id string, status reconcile.Status, resolvedAt time.Time, message string) error {
	return s.update(func(r *txRepos) error { return r.ResolveChangeRecord(ctx, id, status, resolvedAt, message) })
}

// --- ApprovalRepository implementation ---

// UpsertApproval stores or replaces an approval.
func (s *Store) UpsertApproval(ctx context.Context, approval reconcile.Approval) error {
	return s.update(func(r *txRepos) error { return r.UpsertApproval(ctx, approval) })
}

// ListApprovals returns non-deleted approvals of a section.
func (s *Store) ListApprovals(ctx context.Context, termID, sectionID string) ([]reconcile.Approval, error) {
	return s.view().ListApprovals(ctx, termID, sectionID)
}

// --- CrossListingRepository implementation ---

// ReplaceCrossListings swaps the cross-listing table of a term.
func (s *Store) ReplaceCrossListings(ctx context.Context, termID string, listings []reconcile.CrossListing) error {
	return s.update(func(r *txRepos) error { return r.ReplaceCrossListings(ctx, termID, listings) })
}

// ListCrossListings returns the cross-listing table of a term.
func (s *Store) ListCrossListings(ctx context.Context, termID string) ([]reconcile.CrossListing, error) {
	return s.view().ListCrossListings(ctx, termID)
}

// --- PreferenceRepository implementation ---

// UpsertPreferences stores or replaces section preferences.
func (s *Store) UpsertPreferences(ctx context.Context, prefs reconcile.Preferences) error {
	return s.update(func(r *txRepos) error { return r.UpsertPreferences(ctx, prefs) })
}

// ListPreferences returns the preferences of the given sections.
func (s *Store) ListPreferences(ctx context.Context, termID string, sectionIDs []string) ([]reconcile.Preferences, error) {
	return s.view().ListPreferences(ctx, termID, sectionIDs)
}

// ClearOptOut resets the opt-out flag of the given sections.
func (s *Store) ClearOptOut(ctx context.Context, termID string, sectionIDs []string, at time.Time) error {
	return s.update(func(r *txRepos) error { return r.ClearOptOut(ctx, termID, sectionIDs, at) })
}

// txRepos implements persistence.Repositories on top of one memdb transaction.
type txRepos struct {
	txn   *memdb.Txn
	store *Store
}

func (r *txRepos) CreateScheduledRecording(_ context.Context, rec reconcile.ScheduledRecording) error {
	if rec.ID == "" || rec.TermID == "" || rec.SectionID == "" {
		return persistence.ErrConstraintViolation
	}
	existing, err := r.txn.First(tableRecordings, indexID, rec.ID)
	if err != nil {
		return fmt.Errorf("memory: lookup recording %s: %w", rec.ID, err)
	}
	if existing != nil {
		return fmt.Errorf("memory: recording %s already exists: %w", rec.ID, persistence.ErrDuplicate)
	}
	if err := r.ensureUniqueHandle(rec); err != nil {
		return err
	}
	return r.insert(tableRecordings, ptr(cloneRecording(rec)))
}

func (r *txRepos) UpdateScheduledRecording(_ context.Context, rec reconcile.ScheduledRecording) error {
	existing, err := r.txn.First(tableRecordings, indexID, rec.ID)
	if err != nil {
		return fmt.Errorf("memory: lookup recording %s: %w", rec.ID, err)
	}
	if existing == nil {
		return persistence.ErrNotFound
	}
	if err := r.ensureUniqueHandle(rec); err != nil {
		return err
	}
	return r.insert(tableRecordings, ptr(cloneRecording(rec)))
}

// ensureUniqueHandle rejects a second active row for the same handle. memdb
// does not enforce unique indexes on insert.
func (r *txRepos) ensureUniqueHandle(rec reconcile.ScheduledRecording) error {
	if rec.DeletedAt != nil || rec.Handle == "" {
		return nil
	}
	raw, err := r.txn.First(tableRecordings, indexActive, rec.TermID, rec.SectionID, rec.Handle)
	if err != nil {
		return fmt.Errorf("memory: lookup handle %s: %w", rec.Handle, err)
	}
	if raw != nil && raw.(*reconcile.ScheduledRecording).ID != rec.ID {
		return fmt.Errorf("memory: handle %s already scheduled for %s/%s: %w",
			rec.Handle, rec.TermID, rec.SectionID, persistence.ErrDuplicate)
	}
	return nil
}

func (r *txRepos) GetScheduledRecording(_ context.Context, id string) (reconcile.ScheduledRecording, error) {
	raw, err := r.txn.First(tableRecordings, indexID, id)
	if err != nil {
		return reconcile.ScheduledRecording{}, fmt.Errorf("memory: lookup recording %s: %w", id, err)
	}
	if raw == nil {
		return reconcile.ScheduledRecording{}, persistence.ErrNotFound
	}
	return cloneRecording(*raw.(*reconcile.ScheduledRecording)), nil
}

func (r *txRepos) ListScheduledRecordings(_ context.Context, filter persistence.RecordingFilter) ([]reconcile.ScheduledRecording, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.TermID != "" && filter.SectionID != "" {
		it, err = r.txn.Get(tableRecordings, indexSection, filter.TermID, filter.SectionID)
	} else {
		it, err = r.txn.Get(tableRecordings, indexID)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: list recordings: %w", err)
	}

	var out []reconcile.ScheduledRecording
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*reconcile.ScheduledRecording)
		if filter.Matches(*rec) {
			out = append(out, cloneRecording(*rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *txRepos) SoftDeleteScheduledRecording(ctx context.Context, id string, deletedAt time.Time) error {
	rec, err := r.GetScheduledRecording(ctx, id)
	if err != nil {
		return err
	}
	if rec.DeletedAt != nil {
		return nil
	}
	at := deletedAt.UTC()
	rec.DeletedAt = &at
	rec.UpdatedAt = at
	return r.insert(tableRecordings, &rec)
}

func (r *txRepos) InsertChangeRecords(_ context.Context, records []reconcile.ChangeRecord) error {
	for _, rec := range records {
		if rec.ID == "" || rec.TermID == "" || rec.SectionID == "" || !rec.Field.Valid() || !rec.Status.Valid() {
			return fmt.Errorf("memory: change record %q: %w", rec.ID, persistence.ErrConstraintViolation)
		}
		existing, err := r.txn.First(tableChanges, indexID, rec.ID)
		if err != nil {
			return fmt.Errorf("memory: lookup change %s: %w", rec.ID, err)
		}
		if existing != nil {
			return fmt.Errorf("memory: change %s already exists: %w", rec.ID, persistence.ErrDuplicate)
		}
		row := &changeRow{
			ID:        rec.ID,
			TermID:    rec.TermID,
			SectionID: rec.SectionID,
			Seq:       r.store.seq.Add(1),
			Record:    cloneChange(rec),
		}
		if err := r.insert(tableChanges, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepos) ListChangeRecords(_ context.Context, filter persistence.ChangeFilter) ([]reconcile.ChangeRecord, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.TermID != "" && filter.SectionID != "":
		it, err = r.txn.Get(tableChanges, indexSection, filter.TermID, filter.SectionID)
	case filter.TermID != "":
		it, err = r.txn.Get(tableChanges, indexTerm, filter.TermID)
	default:
		it, err = r.txn.Get(tableChanges, indexID)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: list changes: %w", err)
	}

	var rows []*changeRow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		row := raw.(*changeRow)
		if filter.SectionID != "" && row.SectionID != filter.SectionID {
			continue
		}
		if !filter.MatchesStatus(row.Record.Status) || !filter.MatchesField(row.Record.Field) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	out := make([]reconcile.ChangeRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, cloneChange(row.Record))
	}
	return out, nil
}

func (r *txRepos) ResolveChangeRecord(_ context.Context, id string, status reconcile.Status, resolvedAt time.Time, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("memory: resolve %s to %q: %w", id, status, persistence.ErrConstraintViolation)
	}
	raw, err := r.txn.First(tableChanges, indexID, id)
	if err != nil {
		return fmt.Errorf("memory: lookup change %s: %w", id, err)
	}
	if raw == nil {
		return persistence.ErrNotFound
	}
	current := raw.(*changeRow)
	if current.Record.Status != reconcile.StatusQueued {
		return fmt.Errorf("memory: change %s is %s: %w", id, current.Record.Status, persistence.ErrAlreadyResolved)
	}

	updated := *current
	updated.Record = cloneChange(current.Record)
	at := resolvedAt.UTC()
	updated.Record.Status = status
	updated.Record.ResolvedAt = &at
	updated.Record.Error = message
	return r.insert(tableChanges, &updated)
}

func (r *txRepos) UpsertApproval(_ context.Context, approval reconcile.Approval) error {
	if approval.TermID == "" || approval.SectionID == "" || approval.ApproverUID == "" || !approval.Kind.Valid() {
		return persistence.ErrConstraintViolation
	}
	return r.insert(tableApprovals, ptr(cloneApproval(approval)))
}

func (r *txRepos) ListApprovals(_ context.Context, termID, sectionID string) ([]reconcile.Approval, error) {
	it, err := r.txn.Get(tableApprovals, indexSection, termID, sectionID)
	if err != nil {
		return nil, fmt.Errorf("memory: list approvals: %w", err)
	}
	var out []reconcile.Approval
	for raw := it.Next(); raw != nil; raw = it.Next() {
		approval := raw.(*reconcile.Approval)
		if approval.DeletedAt == nil {
			out = append(out, cloneApproval(*approval))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ApproverUID < out[j].ApproverUID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *txRepos) ReplaceCrossListings(_ context.Context, termID string, listings []reconcile.CrossListing) error {
	if termID == "" {
		return persistence.ErrConstraintViolation
	}
	if _, err := r.txn.DeleteAll(tableCrossListing, indexTerm, termID); err != nil {
		return fmt.Errorf("memory: clear cross-listings of %s: %w", termID, err)
	}
	for _, listing := range listings {
		if listing.TermID != termID || listing.SectionID == "" {
			return fmt.Errorf("memory: cross-listing %s/%s: %w", listing.TermID, listing.SectionID, persistence.ErrConstraintViolation)
		}
		if err := r.insert(tableCrossListing, ptr(cloneCrossListing(listing))); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepos) ListCrossListings(_ context.Context, termID string) ([]reconcile.CrossListing, error) {
	it, err := r.txn.Get(tableCrossListing, indexTerm, termID)
	if err != nil {
		return nil, fmt.Errorf("memory: list cross-listings: %w", err)
	}
	var out []reconcile.CrossListing
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, cloneCrossListing(*raw.(*reconcile.CrossListing)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out, nil
}

func (r *txRepos) UpsertPreferences(_ context.Context, prefs reconcile.Preferences) error {
	if prefs.TermID == "" || prefs.SectionID == "" {
		return persistence.ErrConstraintViolation
	}
	p := prefs
	return r.insert(tablePreferences, &p)
}

func (r *txRepos) ListPreferences(_ context.Context, termID string, sectionIDs []string) ([]reconcile.Preferences, error) {
	var out []reconcile.Preferences
	if len(sectionIDs) == 0 {
		it, err := r.txn.Get(tablePreferences, indexID)
		if err != nil {
			return nil, fmt.Errorf("memory: list preferences: %w", err)
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			if p := raw.(*reconcile.Preferences); p.TermID == termID {
				out = append(out, *p)
			}
		}
	} else {
		for _, sectionID := range uniqueStrings(sectionIDs) {
			raw, err := r.txn.First(tablePreferences, indexID, termID, sectionID)
			if err != nil {
				return nil, fmt.Errorf("memory: lookup preferences %s/%s: %w", termID, sectionID, err)
			}
			if raw != nil {
				out = append(out, *raw.(*reconcile.Preferences))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SectionID < out[j].SectionID })
	return out, nil
}

func (r *txRepos) ClearOptOut(_ context.Context, termID string, sectionIDs []string, at time.Time) error {
	for _, sectionID := range uniqueStrings(sectionIDs) {
		raw, err := r.txn.First(tablePreferences, indexID, termID, sectionID)
		if err != nil {
			return fmt.Errorf("memory: lookup preferences %s/%s: %w", termID, sectionID, err)
		}
		if raw == nil {
			continue
		}
		p := *raw.(*reconcile.Preferences)
		if !p.OptedOut {
			continue
		}
		p.OptedOut = false
		p.UpdatedAt = at.UTC()
		if err := r.insert(tablePreferences, &p); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepos) insert(table string, obj interface{}) error {
	if err := r.txn.Insert(table, obj); err != nil {
		return fmt.Errorf("memory: insert into %s: %w", table, err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

// Values stored in change records are treated as immutable, so clones share them.
func cloneChange(rec reconcile.ChangeRecord) reconcile.ChangeRecord {
	clone := rec
	if rec.ResolvedAt != nil {
		at := *rec.ResolvedAt
		clone.ResolvedAt = &at
	}
	return clone
}

func cloneRecording(rec reconcile.ScheduledRecording) reconcile.ScheduledRecording {
	clone := rec
	clone.InstructorUIDs = append(reconcile.UIDSet(nil), rec.InstructorUIDs...)
	clone.CollaboratorUIDs = append(reconcile.UIDSet(nil), rec.CollaboratorUIDs...)
	clone.AlertsSent = append([]string(nil), rec.AlertsSent...)
	if rec.DeletedAt != nil {
		at := *rec.DeletedAt
		clone.DeletedAt = &at
	}
	return clone
}

func cloneApproval(approval reconcile.Approval) reconcile.Approval {
	clone := approval
	if approval.DeletedAt != nil {
		at := *approval.DeletedAt
		clone.DeletedAt = &at
	}
	return clone
}

func cloneCrossListing(listing reconcile.CrossListing) reconcile.CrossListing {
	clone := listing
	clone.CrossListedIDs = append([]string(nil), listing.CrossListedIDs...)
	return clone
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
