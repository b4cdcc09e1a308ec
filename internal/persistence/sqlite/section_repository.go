package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// crossListingChunk bounds the number of rows per multi-row INSERT so the
// statement stays under SQLite's bound-parameter limit.
const crossListingChunk = 500

// UpsertApproval stores or replaces an approval
func (r *repositories) UpsertApproval(ctx context.Context, approval reconcile.Approval) error {
	if approval.TermID == "" || approval.SectionID == "" || approval.ApproverUID == "" {
		return persistence.ErrConstraintViolation
	}
	query := `
		INSERT INTO approvals (term_id, section_id, approver_uid, kind, publish_type,
			recording_type, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (term_id, section_id, approver_uid) DO UPDATE SET
			kind = excluded.kind,
			publish_type = excluded.publish_type,
			recording_type = excluded.recording_type,
			created_at = excluded.created_at,
			deleted_at = excluded.deleted_at
	`
	_, err := r.helper.Exec(ctx, query,
		approval.TermID,
		approval.SectionID,
		approval.ApproverUID,
		string(approval.Kind),
		string(approval.PublishType),
		string(approval.RecordingType),
		formatTimestamp(approval.CreatedAt),
		nullTimestamp(approval.DeletedAt),
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListApprovals returns non-deleted approvals ordered by creation time
func (r *repositories) ListApprovals(ctx context.Context, termID, sectionID string) ([]reconcile.Approval, error) {
	rows, err := r.helper.Query(ctx, `
		SELECT term_id, section_id, approver_uid, kind, publish_type, recording_type, created_at
		FROM approvals
		WHERE term_id = ? AND section_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC, approver_uid ASC
	`, termID, sectionID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []reconcile.Approval
	for rows.Next() {
		var (
			approval                         reconcile.Approval
			kind, publishType, recordingType string
			createdAt                        string
		)
		if err := rows.Scan(&approval.TermID, &approval.SectionID, &approval.ApproverUID,
			&kind, &publishType, &recordingType, &createdAt); err != nil {
			return nil, r.mapper.MapError(err)
		}
		approval.Kind = reconcile.ApproverKind(kind)
		approval.PublishType = reconcile.PublishType(publishType)
		approval.RecordingType = reconcile.RecordingType(recordingType)
		if approval.CreatedAt, err = parseTimestamp("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}

// ReplaceCrossListings deletes the term's rows and inserts listings in chunks,
// all in one transaction.
func (r *repositories) ReplaceCrossListings(ctx context.Context, termID string, listings []reconcile.CrossListing) error {
	if termID == "" {
		return persistence.ErrConstraintViolation
	}
	for _, listing := range listings {
		if listing.TermID != termID || listing.SectionID == "" {
			return fmt.Errorf("cross-listing %s/%s: %w", listing.TermID, listing.SectionID, persistence.ErrConstraintViolation)
		}
	}

	return r.atomically(ctx, func(r *repositories) error {
		if _, err := r.helper.Exec(ctx, `DELETE FROM cross_listings WHERE term_id = ?`, termID); err != nil {
			return r.mapper.MapError(err)
		}
		for start := 0; start < len(listings); start += crossListingChunk {
			end := min(start+crossListingChunk, len(listings))
			if err := r.insertCrossListings(ctx, listings[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repositories) insertCrossListings(ctx context.Context, chunk []reconcile.CrossListing) error {
	values := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*4)
	for _, listing := range chunk {
		ids, err := encodeStrings(listing.CrossListedIDs)
		if err != nil {
			return err
		}
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, listing.TermID, listing.SectionID, ids, listing.Signature)
	}
	query := `INSERT INTO cross_listings (term_id, section_id, cross_listed_ids, signature) VALUES ` +
		strings.Join(values, ", ")
	if _, err := r.helper.Exec(ctx, query, args...); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListCrossListings returns the term's cross-listings ordered by section
func (r *repositories) ListCrossListings(ctx context.Context, termID string) ([]reconcile.CrossListing, error) {
	rows, err := r.helper.Query(ctx, `
		SELECT term_id, section_id, cross_listed_ids, signature
		FROM cross_listings
		WHERE term_id = ?
		ORDER BY section_id ASC
	`, termID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []reconcile.CrossListing
	for rows.Next() {
		var (
			listing reconcile.CrossListing
			ids     string
		)
		if err := rows.Scan(&listing.TermID, &listing.SectionID, &ids, &listing.Signature); err != nil {
			return nil, r.mapper.MapError(err)
		}
		if listing.CrossListedIDs, err = decodeStrings("cross_listed_ids", ids); err != nil {
			return nil, err
		}
		out = append(out, listing)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}

// UpsertPreferences stores or replaces section preferences
func (r *repositories) UpsertPreferences(ctx context.Context, prefs reconcile.Preferences) error {
	if prefs.TermID == "" || prefs.SectionID == "" {
		return persistence.ErrConstraintViolation
	}
	_, err := r.helper.Exec(ctx, `
		INSERT INTO preferences (term_id, section_id, publish_type, recording_type, opted_out, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (term_id, section_id) DO UPDATE SET
			publish_type = excluded.publish_type,
			recording_type = excluded.recording_type,
			opted_out = excluded.opted_out,
			updated_at = excluded.updated_at
	`,
		prefs.TermID,
		prefs.SectionID,
		string(prefs.PublishType),
		string(prefs.RecordingType),
		boolToInt(prefs.OptedOut),
		formatTimestamp(prefs.UpdatedAt),
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListPreferences returns preferences of the given sections, or of the whole
// term when sectionIDs is empty
func (r *repositories) ListPreferences(ctx context.Context, termID string, sectionIDs []string) ([]reconcile.Preferences, error) {
	query := `
		SELECT term_id, section_id, publish_type, recording_type, opted_out, updated_at
		FROM preferences
		WHERE term_id = ?`
	args := []any{termID}
	if len(sectionIDs) > 0 {
		query += " AND section_id IN (" + placeholders(len(sectionIDs)) + ")"
		for _, id := range sectionIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY section_id ASC"

	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []reconcile.Preferences
	for rows.Next() {
		var (
			prefs                      reconcile.Preferences
			publishType, recordingType string
			optedOut                   bool
			updatedAt                  string
		)
		if err := rows.Scan(&prefs.TermID, &prefs.SectionID, &publishType, &recordingType, &optedOut, &updatedAt); err != nil {
			return nil, r.mapper.MapError(err)
		}
		prefs.PublishType = reconcile.PublishType(publishType)
		prefs.RecordingType = reconcile.RecordingType(recordingType)
		prefs.OptedOut = optedOut
		if prefs.UpdatedAt, err = parseTimestamp("updated_at", updatedAt); err != nil {
			return nil, err
		}
		out = append(out, prefs)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}

// ClearOptOut resets the opt-out flag of the given sections
func (r *repositories) ClearOptOut(ctx context.Context, termID string, sectionIDs []string, at time.Time) error {
	if len(sectionIDs) == 0 {
		return nil
	}
	args := []any{formatTimestamp(at), termID}
	for _, id := range sectionIDs {
		args = append(args, id)
	}
	_, err := r.helper.Exec(ctx, `
		UPDATE preferences
		SET opted_out = 0, updated_at = ?
		WHERE term_id = ? AND opted_out = 1 AND section_id IN (`+placeholders(len(sectionIDs))+`)
	`, args...)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}
