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
)

// InsertChangeRecords appends records atomically
func (r *repositories) InsertChangeRecords(ctx context.Context, records []reconcile.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.atomically(ctx, func(r *repositories) error {
		for _, rec := range records {
			if err := r.insertChangeRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repositories) insertChangeRecord(ctx context.Context, rec reconcile.ChangeRecord) error {
	if !rec.Field.Valid() || !rec.Status.Valid() {
		return fmt.Errorf("change record %q: %w", rec.ID, persistence.ErrConstraintViolation)
	}
	oldValue, err := reconcile.EncodeValue(rec.Old)
	if err != nil {
		return fmt.Errorf("failed to encode old value of %s: %w", rec.ID, err)
	}
	newValue, err := reconcile.EncodeValue(rec.New)
	if err != nil {
		return fmt.Errorf("failed to encode new value of %s: %w", rec.ID, err)
	}

	query := `
		INSERT INTO change_records (id, term_id, section_id, field, old_value, new_value,
			handle, requested_by, status, created_at, resolved_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.helper.Exec(ctx, query,
		rec.ID,
		rec.TermID,
		rec.SectionID,
		string(rec.Field),
		oldValue,
		newValue,
		rec.Handle,
		rec.RequestedBy,
		string(rec.Status),
		formatTimestamp(rec.CreatedAt),
		nullTimestamp(rec.ResolvedAt),
		rec.Error,
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// ListChangeRecords returns change records in insertion order
func (r *repositories) ListChangeRecords(ctx context.Context, filter persistence.ChangeFilter) ([]reconcile.ChangeRecord, error) {
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
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if len(filter.Fields) > 0 {
		conditions = append(conditions, "field IN ("+placeholders(len(filter.Fields))+")")
		for _, field := range filter.Fields {
			args = append(args, string(field))
		}
	}

	query := `
		SELECT id, term_id, section_id, field, old_value, new_value, handle, requested_by,
			status, created_at, resolved_at, error_message
		FROM change_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.helper.Query(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var out []reconcile.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
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

// ResolveChangeRecord moves a queued record to a terminal status
func (r *repositories) ResolveChangeRecord(ctx context.Context, id string, status reconcile.Status, resolvedAt time.Time, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("resolve %s to %q: %w", id, status, persistence.ErrConstraintViolation)
	}
	result, err := r.helper.Exec(ctx, `
		UPDATE change_records
		SET status = ?, resolved_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, string(status), formatTimestamp(resolvedAt), message, id, string(reconcile.StatusQueued))
	if err != nil {
		return r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = r.helper.QueryRow(ctx, `SELECT status FROM change_records WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return r.mapper.MapError(err)
	}
	return fmt.Errorf("change %s is %s: %w", id, current, persistence.ErrAlreadyResolved)
}

func scanChangeRecord(row rowScanner) (reconcile.ChangeRecord, error) {
	var (
		rec                reconcile.ChangeRecord
		field, status      string
		oldValue, newValue string
		createdAt          string
		resolvedAt         sql.NullString
	)
	if err := row.Scan(
		&rec.ID, &rec.TermID, &rec.SectionID, &field, &oldValue, &newValue,
		&rec.Handle, &rec.RequestedBy, &status, &createdAt, &resolvedAt, &rec.Error,
	); err != nil {
		return reconcile.ChangeRecord{}, err
	}

	var err error
	if rec.Field, err = reconcile.ParseFieldKind(field); err != nil {
		return reconcile.ChangeRecord{}, err
	}
	if rec.Status, err = reconcile.ParseStatus(status); err != nil {
		return reconcile.ChangeRecord{}, err
	}
	if rec.Old, err = reconcile.DecodeValue(oldValue); err != nil {
		return reconcile.ChangeRecord{}, fmt.Errorf("failed to decode old value of %s: %w", rec.ID, err)
	}
	if rec.New, err = reconcile.DecodeValue(newValue); err != nil {
		return reconcile.ChangeRecord{}, fmt.Errorf("failed to decode new value of %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTimestamp("created_at", createdAt); err != nil {
		return reconcile.ChangeRecord{}, err
	}
	if rec.ResolvedAt, err = parseNullTimestamp("resolved_at", resolvedAt); err != nil {
		return reconcile.ChangeRecord{}, err
	}
	return rec, nil
}
