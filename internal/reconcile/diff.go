package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/example/capture-scheduler/internal/recurrence"
)

// OverrideAction is the direction of the last manual change to a collaborator.
type OverrideAction int

const (
	// OverrideNone means no human-requested change touched the uid.
	OverrideNone OverrideAction = iota
	// OverrideAdded means a human last added the uid.
	OverrideAdded
	// OverrideRemoved means a human last removed the uid.
	OverrideRemoved
)

// OverrideLedger answers whether a person explicitly overrode a collaborator
// assignment. Only succeeded, human-requested collaborator_uids records count.
type OverrideLedger interface {
	LastManualOverride(ctx context.Context, termID, sectionID, uid string) (OverrideAction, error)
}

// DiffInput is everything the diff engine compares for one principal section.
type DiffInput struct {
	Term   Term
	Course Course
	// Scheduled lists the section's projection rows in stored order.
	Scheduled []ScheduledRecording
	// Preferences are the canonical preferences resolved across the cross-listed set.
	Preferences *Preferences
	// Pending lists records still queued for the section.
	Pending []ChangeRecord
	Ledger  OverrideLedger
	// Now is the pass clock. Added meetings with no recordable day left on or
	// after Now are not emitted. A zero Now skips the check.
	Now time.Time
}

// Diff compares the registry's view of a course with its scheduled projection
// and returns the queued change records needed to reconcile them. Drift that is
// already waiting in Pending is not emitted again.
//
// Sections without an active projection row produce no records; first-time
// scheduling goes through EvaluateQuorum instead.
func Diff(ctx context.Context, in DiffInput) ([]ChangeRecord, error) {
	active := make([]ScheduledRecording, 0, len(in.Scheduled))
	for _, s := range in.Scheduled {
		if s.Active() {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	d := differ{term: in.Term, course: in.Course, now: in.Now}
	switch {
	case in.Course.Deleted || !in.Course.HasMeetings():
		for _, s := range active {
			d.emit(FieldNotScheduled, s.Summary(), nil, s.Handle)
		}
	case len(in.Course.EligibleMeetings) == 0:
		replacement := in.Term.Summary(in.Course.IneligibleMeetings[0])
		for _, s := range active {
			d.emit(FieldRoomNotEligible, s.Summary(), replacement, s.Handle)
		}
	default:
		d.diffMeetings(active)
		d.diffInstructors(active)
		if err := d.diffCollaborators(ctx, active, in.Ledger); err != nil {
			return nil, err
		}
		d.diffPreferences(active[0], in.Preferences)
	}

	return dropPending(d.records, in.Pending), nil
}

// MeetingsMatch reports whether a scheduled row still records meeting m.
func MeetingsMatch(term Term, m MeetingPattern, s ScheduledRecording) bool {
	return m.Room == s.Room &&
		!datesObsolete(term, m, s) &&
		m.TimesSignature() == s.TimesSignature()
}

func datesObsolete(term Term, m MeetingPattern, s ScheduledRecording) bool {
	w := term.RecordingWindow(m)
	if !sameDate(w.End, s.EndDate) {
		return true
	}
	if createdLate(w, s) {
		return false
	}
	return !sameDate(w.Start, s.StartDate)
}

// createdLate reports whether s was created after the window opened, in which
// case its start date is expected to differ from the window start.
func createdLate(w recurrence.Window, s ScheduledRecording) bool {
	return recurrence.DateOf(s.CreatedAt).After(recurrence.DateOf(w.Start))
}

type differ struct {
	term    Term
	course  Course
	now     time.Time
	records []ChangeRecord
}

func (d *differ) emit(field FieldKind, before, after Value, handle string) {
	d.records = append(d.records, ChangeRecord{
		TermID:    d.course.TermID,
		SectionID: d.course.SectionID,
		Field:     field,
		Old:       before,
		New:       after,
		Handle:    handle,
		Status:    StatusQueued,
	})
}

// diffMeetings partitions meetings and rows with a greedy first-fit match and
// pairs the leftovers by position.
//
// Positional pairing can mis-pair unrelated meetings when several drift in the
// same pass. The behaviour is kept for compatibility with existing schedules.
func (d *differ) diffMeetings(active []ScheduledRecording) {
	used := make([]bool, len(active))
	var unmatchedMeetings []MeetingPattern
	for _, m := range d.course.EligibleMeetings {
		matched := false
		for i, s := range active {
			if used[i] || !MeetingsMatch(d.term, m, s) {
				continue
			}
			used[i] = true
			matched = true
			break
		}
		if !matched {
			unmatchedMeetings = append(unmatchedMeetings, m)
		}
	}
	var unmatchedScheduled []ScheduledRecording
	for i, s := range active {
		if !used[i] {
			unmatchedScheduled = append(unmatchedScheduled, s)
		}
	}

	n := max(len(unmatchedMeetings), len(unmatchedScheduled))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(unmatchedScheduled):
			summary := d.term.Summary(unmatchedMeetings[i])
			if !summary.StartingFrom(d.now).Recordable() {
				continue
			}
			d.emit(FieldMeetingAdded, nil, summary, "")
		case i >= len(unmatchedMeetings):
			s := unmatchedScheduled[i]
			d.emit(FieldMeetingRemoved, s.Summary(), nil, s.Handle)
		default:
			s := unmatchedScheduled[i]
			before, after := meetingDelta(d.term, unmatchedMeetings[i], s)
			if after.IsEmpty() {
				continue
			}
			d.emit(FieldMeetingUpdated, before, after, s.Handle)
		}
	}
}

func meetingDelta(term Term, m MeetingPattern, s ScheduledRecording) (before, after MeetingDelta) {
	target := term.Summary(m)
	current := s.Summary()
	if target.Room != current.Room {
		before.Room, after.Room = &current.Room, &target.Room
	}
	if target.Days != current.Days {
		before.Days, after.Days = &current.Days, &target.Days
	}
	if target.StartTime != current.StartTime {
		before.StartTime, after.StartTime = &current.StartTime, &target.StartTime
	}
	if target.EndTime != current.EndTime {
		before.EndTime, after.EndTime = &current.EndTime, &target.EndTime
	}
	if !sameDate(target.EndDate, current.EndDate) {
		before.EndDate, after.EndDate = &current.EndDate, &target.EndDate
	}
	if !createdLate(target.Window(), s) && !sameDate(target.StartDate, current.StartDate) {
		before.StartDate, after.StartDate = &current.StartDate, &target.StartDate
	}
	return before, after
}

func (d *differ) diffInstructors(active []ScheduledRecording) {
	scheduled := scheduledUIDs(active, func(s ScheduledRecording) UIDSet { return s.InstructorUIDs })
	wanted := d.course.InstructorUIDs()
	if scheduled.Equal(wanted) {
		return
	}
	d.emit(FieldInstructorUIDs, scheduled, wanted, "")
}

func (d *differ) diffCollaborators(ctx context.Context, active []ScheduledRecording, ledger OverrideLedger) error {
	scheduled := scheduledUIDs(active, func(s ScheduledRecording) UIDSet { return s.CollaboratorUIDs })
	added, removed := scheduled.Diff(d.course.CollaboratorUIDs())

	keepAdded := make([]string, 0, len(added))
	for _, uid := range added {
		suppress, err := suppressed(ctx, ledger, d.course, uid, OverrideRemoved)
		if err != nil {
			return err
		}
		if !suppress {
			keepAdded = append(keepAdded, uid)
		}
	}
	keepRemoved := make([]string, 0, len(removed))
	for _, uid := range removed {
		suppress, err := suppressed(ctx, ledger, d.course, uid, OverrideAdded)
		if err != nil {
			return err
		}
		if !suppress {
			keepRemoved = append(keepRemoved, uid)
		}
	}
	if len(keepAdded) == 0 && len(keepRemoved) == 0 {
		return nil
	}
	wanted := scheduled.Union(NewUIDSet(keepAdded...)).Without(keepRemoved...)
	d.emit(FieldCollaboratorUIDs, scheduled, wanted, "")
	return nil
}

func suppressed(ctx context.Context, ledger OverrideLedger, course Course, uid string, blocking OverrideAction) (bool, error) {
	if ledger == nil {
		return false, nil
	}
	action, err := ledger.LastManualOverride(ctx, course.TermID, course.SectionID, uid)
	if err != nil {
		return false, fmt.Errorf("override ledger for %s: %w", uid, err)
	}
	return action == blocking, nil
}

func (d *differ) diffPreferences(current ScheduledRecording, prefs *Preferences) {
	if prefs == nil {
		return
	}
	if prefs.PublishType.Valid() && prefs.PublishType != current.PublishType {
		d.emit(FieldPublishType, current.PublishType, prefs.PublishType, "")
	}
	if prefs.RecordingType.Valid() && prefs.RecordingType != current.RecordingType {
		d.emit(FieldRecordingType, current.RecordingType, prefs.RecordingType, "")
	}
}

func scheduledUIDs(active []ScheduledRecording, pick func(ScheduledRecording) UIDSet) UIDSet {
	var out UIDSet
	for _, s := range active {
		out = out.Union(pick(s))
	}
	if out == nil {
		out = UIDSet{}
	}
	return out
}

func dropPending(records, pending []ChangeRecord) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(records))
	for _, r := range records {
		duplicate := false
		for _, p := range pending {
			if p.Status == StatusQueued && r.SameChange(p) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, r)
		}
	}
	return out
}
