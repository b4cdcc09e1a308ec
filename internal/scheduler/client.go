// Package scheduler talks to the external lecture-capture scheduler that owns
// the recurring recording events.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/capture-scheduler/internal/recurrence"
)

// ErrEventNotFound is returned when the vendor has no event for a handle.
var ErrEventNotFound = errors.New("scheduler: event not found")

// ErrMissingHandle reports a create response without a schedule handle.
var ErrMissingHandle = errors.New("scheduler: create response carried no handle")

// ScheduleRequest describes a new recurring recording.
type ScheduleRequest struct {
	TermID           string               `json:"term_id"`
	SectionID        string               `json:"section_id"`
	Title            string               `json:"title"`
	ResourceID       string               `json:"resource_id"`
	Days             recurrence.DaySet    `json:"days"`
	StartTime        recurrence.TimeOfDay `json:"start_time"`
	EndTime          recurrence.TimeOfDay `json:"end_time"`
	StartDate        time.Time            `json:"start_date"`
	EndDate          time.Time            `json:"end_date"`
	InstructorUIDs   []string             `json:"instructor_uids"`
	CollaboratorUIDs []string             `json:"collaborator_uids"`
	Categories       []string             `json:"categories"`
	RecordingType    string               `json:"recording_type"`
}

// Timing carries a time or room update. Nil fields are left unchanged.
type Timing struct {
	ResourceID *string               `json:"resource_id,omitempty"`
	Days       *recurrence.DaySet    `json:"days,omitempty"`
	StartTime  *recurrence.TimeOfDay `json:"start_time,omitempty"`
	EndTime    *recurrence.TimeOfDay `json:"end_time,omitempty"`
	StartDate  *time.Time            `json:"start_date,omitempty"`
	EndDate    *time.Time            `json:"end_date,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (t Timing) IsEmpty() bool {
	return t.ResourceID == nil && t.Days == nil && t.StartTime == nil &&
		t.EndTime == nil && t.StartDate == nil && t.EndDate == nil
}

// Event is the vendor's current view of a recurring recording.
type Event struct {
	Handle           string               `json:"handle"`
	ResourceID       string               `json:"resource_id"`
	Days             recurrence.DaySet    `json:"days"`
	StartTime        recurrence.TimeOfDay `json:"start_time"`
	EndTime          recurrence.TimeOfDay `json:"end_time"`
	StartDate        time.Time            `json:"start_date"`
	EndDate          time.Time            `json:"end_date"`
	InstructorUIDs   []string             `json:"instructor_uids"`
	CollaboratorUIDs []string             `json:"collaborator_uids"`
	Categories       []string             `json:"categories"`
	RecordingType    string               `json:"recording_type"`
	Cancelled        bool                 `json:"cancelled"`
}

// Client is the contract with the external scheduler.
type Client interface {
	CreateRecurringSchedule(ctx context.Context, req ScheduleRequest) (string, error)
	GetEvent(ctx context.Context, handle string) (Event, error)
	UpdateACL(ctx context.Context, handle string, instructors, collaborators []string) error
	UpdateTimeOrRoom(ctx context.Context, handle string, timing Timing) error
	UpdateCategories(ctx context.Context, handle string, categories []string) error
	UpdateRecordingType(ctx context.Context, handle string, recordingType string) error
	Cancel(ctx context.Context, handle string) error
	Delete(ctx context.Context, handle string) error
}

// Operation names used in errors, logs and metrics.
const (
	OpCreate              = "create_recurring_schedule"
	OpGetEvent            = "get_event"
	OpUpdateACL           = "update_acl"
	OpUpdateTimeOrRoom    = "update_time_or_room"
	OpUpdateCategories    = "update_categories"
	OpUpdateRecordingType = "update_recording_type"
	OpCancel              = "cancel"
	OpDelete              = "delete"
)

// StatusError reports a non-success HTTP response from the vendor.
type StatusError struct {
	Op         string
	Handle     string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Handle != "" {
		return fmt.Sprintf("scheduler: %s %s: status %d: %s", e.Op, e.Handle, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("scheduler: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Is lets errors.Is match ErrEventNotFound for 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrEventNotFound && e.StatusCode == http.StatusNotFound
}
