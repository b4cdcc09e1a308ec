package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/recurrence"
)

const recordingColumns = `id, term_id, section_id, handle, room, days, start_time, end_time,
	start_date, end_date, instructor_uids, collaborator_uids, publish_type, recording_type,
	alerts_sent, created_at, updated_at, deleted_at`

// CreateScheduledRecording inserts a projection row
func (r *repositories) CreateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error {
	if rec.ID == "" || rec.TermID == "" || rec.SectionID == "" {
		return persistence.ErrConstraintViolation
	}
	args, err := recordingArgs(rec)
	if err != nil {
		return err
	}
	query := `INSERT INTO scheduled_recordings (` + recordingColumns + `)
		VALUES (` + placeholders(18) + `)`
	if _, err := r.helper.Exec(ctx, query, args...); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// UpdateScheduledRecording replaces every column of an existing projection row
func (r *repositories) UpdateScheduledRecording(ctx context.Context, rec reconcile.ScheduledRecording) error {
	args, err := recordingArgs(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE scheduled_recordings
		SET term_id = ?, section_id = ?, handle = ?, room = ?, days = ?, start_time = ?,
			end_time = ?, start_date = ?, end_date = ?, instructor_uids = ?,
			collaborator_uids = ?, publish_type = ?, recording_type = ?, alerts_sent = ?,
			created_at = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`
	// the id moves from the first to the last position
	result, err := r.helper.Exec(ctx, query, append(args[1:], args[0])...)
	if err != nil {
		return r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// GetScheduledRecording retrieves a projection row by id
func (r *repositories) GetScheduledRecording(ctx context.Context, id string) (reconcile.ScheduledRecording, error) {
	if id == "" {
		return reconcile.ScheduledRecording{}, persistence.ErrNotFound
	}
	query := `SELECT ` + recordingColumns + ` FROM scheduled_recordings WHERE id = ?`
	rec, err := scanRecording(r.helper.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reconcile.ScheduledRecording{}, persistence.ErrNotFound
		}
		return reconcile.ScheduledRecording{}, r.mapper.MapError(err)
	}
	return rec, nil
}

// ListScheduledRecordings returns projection rows ordered by creation time then id
func (r *repositories) ListScheduledRecordings(ctx context.Context, filter persistence.RecordingFilter) ([]reconcile.ScheduledRecording, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.TermID != "" {
		conditions = append(conditions, "term_id = ?")
		args = append(args, filter.TermID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, "section_id = ?")
		args = append(args, filter.SectionID)
	}
	if filter.Handle != "" {
		conditions = append(conditions, "handle = ?")
		args = append(args, filter.Handle)
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}

	query := `SELECT ` + recordingColumns + ` FROM scheduled_recordings`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []reconcile.ScheduledRecording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return out, nil
}

// SoftDeleteScheduledRecording stamps deleted_at. Already deleted rows keep
// their original deletion time.
func (r *repositories) SoftDeleteScheduledRecording(ctx context.Context, id string, deletedAt time.Time) error {
	at := formatTimestamp(deletedAt)
	result, err := r.helper.Exec(ctx, `
		UPDATE scheduled_recordings
		SET deleted_at = COALESCE(deleted_at, ?),
			updated_at = CASE WHEN deleted_at IS NULL THEN ? ELSE updated_at END
		WHERE id = ?
	`, at, at, id)
	if err != nil {
		return r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func recordingArgs(rec reconcile.ScheduledRecording) ([]any, error) {
	instructors, err := encodeStrings(rec.InstructorUIDs)
	if err != nil {
		return nil, err
	}
	collaborators, err := encodeStrings(rec.CollaboratorUIDs)
	if err != nil {
		return nil, err
	}
	alerts, err := encodeStrings(rec.AlertsSent)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID,
		rec.TermID,
		rec.SectionID,
		rec.Handle,
		rec.Room,
		rec.Days.String(),
		int(rec.StartTime),
		int(rec.EndTime),
		formatDate(rec.StartDate),
		formatDate(rec.EndDate),
		instructors,
		collaborators,
		string(rec.PublishType),
		string(rec.RecordingType),
		alerts,
		formatTimestamp(rec.CreatedAt),
		formatTimestamp(rec.UpdatedAt),
		nullTimestamp(rec.DeletedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (reconcile.ScheduledRecording, error) {
	var (
		rec                                reconcile.ScheduledRecording
		days, startDate, endDate           string
		startTime, endTime                 int
		instructors, collaborators, alerts string
		publishType, recordingType         string
		createdAt, updatedAt               string
		deletedAt                          sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.TermID, &rec.SectionID, &rec.Handle, &rec.Room,
		&days, &startTime, &endTime, &startDate, &endDate,
		&instructors, &collaborators, &publishType, &recordingType, &alerts,
		&createdAt, &updatedAt, &deletedAt,
	); err != nil {
		return reconcile.ScheduledRecording{}, err
	}

	var err error
	if rec.Days, err = recurrence.ParseDays(days); err != nil {
		return reconcile.ScheduledRecording{}, fmt.Errorf("failed to parse days: %w", err)
	}
	rec.StartTime = recurrence.TimeOfDay(startTime)
	rec.EndTime = recurrence.TimeOfDay(endTime)
	if rec.StartDate, err = parseDate("start_date", startDate); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	if rec.EndDate, err = parseDate("end_date", endDate); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	uids, err := decodeStrings("instructor_uids", instructors)
	if err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	rec.InstructorUIDs = reconcile.NewUIDSet(uids...)
	if uids, err = decodeStrings("collaborator_uids", collaborators); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	rec.CollaboratorUIDs = reconcile.NewUIDSet(uids...)
	if rec.AlertsSent, err = decodeStrings("alerts_sent", alerts); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	rec.PublishType = reconcile.PublishType(publishType)
	rec.RecordingType = reconcile.RecordingType(recordingType)
	if rec.CreatedAt, err = parseTimestamp("created_at", createdAt); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	if rec.UpdatedAt, err = parseTimestamp("updated_at", updatedAt); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	if rec.DeletedAt, err = parseNullTimestamp("deleted_at", deletedAt); err != nil {
		return reconcile.ScheduledRecording{}, err
	}
	return rec, nil
}
