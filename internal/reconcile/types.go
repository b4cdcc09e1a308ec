// Package reconcile holds the pure decision logic of the capture reconciler:
// approval quorum, drift detection between the course registry and the local
// projection of scheduled recordings, and cross-listing canonicalization.
//
// Nothing in this package performs I/O. Storage and the external scheduler are
// reached through the application package.
package reconcile

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/example/capture-scheduler/internal/recurrence"
)

// FieldKind enumerates the kinds of drift a ChangeRecord can describe.
// The string values are persisted verbatim.
type FieldKind string

const (
	FieldMeetingAdded     FieldKind = "meeting_added"
	FieldMeetingRemoved   FieldKind = "meeting_removed"
	FieldMeetingUpdated   FieldKind = "meeting_updated"
	FieldInstructorUIDs   FieldKind = "instructor_uids"
	FieldCollaboratorUIDs FieldKind = "collaborator_uids"
	FieldPublishType      FieldKind = "publish_type"
	FieldRecordingType    FieldKind = "recording_type"
	FieldNotScheduled     FieldKind = "not_scheduled"
	FieldRoomNotEligible  FieldKind = "room_not_eligible"
)

// FieldKinds lists every field kind in declaration order.
var FieldKinds = []FieldKind{
	FieldMeetingAdded,
	FieldMeetingRemoved,
	FieldMeetingUpdated,
	FieldInstructorUIDs,
	FieldCollaboratorUIDs,
	FieldPublishType,
	FieldRecordingType,
	FieldNotScheduled,
	FieldRoomNotEligible,
}

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	return slices.Contains(FieldKinds, k)
}

// ParseFieldKind validates a persisted field kind.
func ParseFieldKind(value string) (FieldKind, error) {
	kind := FieldKind(value)
	if !kind.Valid() {
		return "", fmt.Errorf("reconcile: unknown field kind %q", value)
	}
	return kind, nil
}

// Status is the lifecycle state of a ChangeRecord.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSucceeded Status = "succeeded"
	StatusErrored   Status = "errored"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSucceeded, StatusErrored:
		return true
	}
	return false
}

// Terminal reports whether s is a resolved state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusErrored
}

// ParseStatus validates a persisted status.
func ParseStatus(value string) (Status, error) {
	status := Status(value)
	if !status.Valid() {
		return "", fmt.Errorf("reconcile: unknown status %q", value)
	}
	return status, nil
}

// ApproverKind distinguishes administrator approvals from instructor approvals.
type ApproverKind string

const (
	ApproverAdmin      ApproverKind = "admin"
	ApproverInstructor ApproverKind = "instructor"
)

// Valid reports whether k is a known approver kind.
func (k ApproverKind) Valid() bool {
	return k == ApproverAdmin || k == ApproverInstructor
}

// Role is the registry role code attached to a person on a section.
type Role string

const (
	RolePrimaryInstructor   Role = "PI"
	RoleSecondaryInstructor Role = "SI"
	RoleTeachingAssistant   Role = "TA"
	RoleCollaborator        Role = "APRX"
)

// Teaching reports whether the role authorizes a person to own recordings.
func (r Role) Teaching() bool {
	return r == RolePrimaryInstructor || r == RoleSecondaryInstructor
}

// MeetingPattern is one authoritative weekly meeting of a section.
type MeetingPattern struct {
	TermID    string
	SectionID string
	Room      string
	Days      recurrence.DaySet
	StartTime recurrence.TimeOfDay
	EndTime   recurrence.TimeOfDay
	StartDate time.Time
	EndDate   time.Time
}

// TimesSignature is the canonical (days, start, end) form used for time drift.
func (m MeetingPattern) TimesSignature() string {
	return timesSignature(m.Days, m.StartTime, m.EndTime)
}

func timesSignature(days recurrence.DaySet, start, end recurrence.TimeOfDay) string {
	return days.String() + "|" + start.String() + "|" + end.String()
}

// Term carries the recording bounds configured for an academic term.
type Term struct {
	ID             string
	RecordingStart time.Time
	RecordingEnd   time.Time
}

// RecordingWindow returns the dates of m that fall inside the term's recording bounds.
func (t Term) RecordingWindow(m MeetingPattern) recurrence.Window {
	return recurrence.Window{Start: m.StartDate, End: m.EndDate}.Clamp(recurrence.Window{
		Start: t.RecordingStart,
		End:   t.RecordingEnd,
	})
}

// Summary returns the meeting as it would be scheduled in this term.
func (t Term) Summary(m MeetingPattern) MeetingSummary {
	w := t.RecordingWindow(m)
	return MeetingSummary{
		Room:      m.Room,
		Days:      m.Days,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		StartDate: w.Start,
		EndDate:   w.End,
	}
}

// Instructor is a person attached to a section with a registry role.
type Instructor struct {
	UID     string
	Role    Role
	Deleted bool
}

// Course is the registry's view of a section within a term.
type Course struct {
	TermID             string
	SectionID          string
	Title              string
	Deleted            bool
	EligibleMeetings   []MeetingPattern
	IneligibleMeetings []MeetingPattern
	Instructors        []Instructor
	SiteIDs            []string
}

// HasMeetings reports whether the registry lists any meeting for the course.
func (c Course) HasMeetings() bool {
	return len(c.EligibleMeetings)+len(c.IneligibleMeetings) > 0
}

// InstructorUIDs returns the sorted uids of non-deleted teaching-role people.
func (c Course) InstructorUIDs() UIDSet {
	uids := make([]string, 0, len(c.Instructors))
	for _, person := range c.Instructors {
		if person.Deleted || !person.Role.Teaching() {
			continue
		}
		uids = append(uids, person.UID)
	}
	return NewUIDSet(uids...)
}

// CollaboratorUIDs returns the sorted uids of non-deleted collaborators.
func (c Course) CollaboratorUIDs() UIDSet {
	uids := make([]string, 0)
	for _, person := range c.Instructors {
		if person.Deleted || person.Role != RoleCollaborator {
			continue
		}
		uids = append(uids, person.UID)
	}
	return NewUIDSet(uids...)
}

// Preferences holds the publish and recording choices for a section.
type Preferences struct {
	TermID        string
	SectionID     string
	PublishType   PublishType
	RecordingType RecordingType
	OptedOut      bool
	UpdatedAt     time.Time
}

// ScheduledRecording is the local projection of one externally scheduled recurring event.
type ScheduledRecording struct {
	ID               string
	TermID           string
	SectionID        string
	Handle           string
	Room             string
	Days             recurrence.DaySet
	StartTime        recurrence.TimeOfDay
	EndTime          recurrence.TimeOfDay
	StartDate        time.Time
	EndDate          time.Time
	InstructorUIDs   UIDSet
	CollaboratorUIDs UIDSet
	PublishType      PublishType
	RecordingType    RecordingType
	AlertsSent       []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Summary returns the mirrored meeting fields.
func (s ScheduledRecording) Summary() MeetingSummary {
	return MeetingSummary{
		Room:      s.Room,
		Days:      s.Days,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		StartDate: s.StartDate,
		EndDate:   s.EndDate,
	}
}

// WithSummary returns a copy of s mirroring summary.
func (s ScheduledRecording) WithSummary(summary MeetingSummary) ScheduledRecording {
	s.Room = summary.Room
	s.Days = summary.Days
	s.StartTime = summary.StartTime
	s.EndTime = summary.EndTime
	s.StartDate = recurrence.DateOf(summary.StartDate)
	s.EndDate = recurrence.DateOf(summary.EndDate)
	return s
}

// TimesSignature is the canonical (days, start, end) form of the scheduled meeting.
func (s ScheduledRecording) TimesSignature() string {
	return timesSignature(s.Days, s.StartTime, s.EndTime)
}

// HasAlert reports whether an alert of the given type was already sent for s.
func (s ScheduledRecording) HasAlert(alertType string) bool {
	return slices.Contains(s.AlertsSent, alertType)
}

// Active reports whether s has not been soft-deleted.
func (s ScheduledRecording) Active() bool {
	return s.DeletedAt == nil
}

// Approval is one approver's vote to record a section.
type Approval struct {
	TermID        string
	SectionID     string
	ApproverUID   string
	Kind          ApproverKind
	PublishType   PublishType
	RecordingType RecordingType
	CreatedAt     time.Time
	DeletedAt     *time.Time
}

// ChangeRecord is one field-level drift entry in the change queue.
type ChangeRecord struct {
	ID          string
	TermID      string
	SectionID   string
	Field       FieldKind
	Old         Value
	New         Value
	Handle      string
	RequestedBy string
	Status      Status
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	Error       string
}

// Manual reports whether a human requested the change.
func (r ChangeRecord) Manual() bool {
	return strings.TrimSpace(r.RequestedBy) != ""
}

// SameChange reports whether r and other describe identical drift.
func (r ChangeRecord) SameChange(other ChangeRecord) bool {
	return r.TermID == other.TermID &&
		r.SectionID == other.SectionID &&
		r.Field == other.Field &&
		r.Handle == other.Handle &&
		ValuesEqual(r.Old, other.Old) &&
		ValuesEqual(r.New, other.New)
}

// CrossListing groups sections that share one physical meeting signature.
type CrossListing struct {
	TermID         string
	SectionID      string
	CrossListedIDs []string
	Signature      string
}
