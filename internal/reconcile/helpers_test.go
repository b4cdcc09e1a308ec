package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/example/capture-scheduler/internal/recurrence"
)

var fall = Term{
	ID:             "2026FA",
	RecordingStart: date(2026, time.August, 24),
	RecordingEnd:   date(2026, time.December, 11),
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func mustDays(t testing.TB, code string) recurrence.DaySet {
	t.Helper()
	days, err := recurrence.ParseDays(code)
	if err != nil {
		t.Fatalf("parse days %q: %v", code, err)
	}
	return days
}

func mustClock(t testing.TB, value string) recurrence.TimeOfDay {
	t.Helper()
	tod, err := recurrence.ParseTimeOfDay(value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return tod
}

func meeting(t testing.TB, section, room, days, start, end string) MeetingPattern {
	t.Helper()
	return MeetingPattern{
		TermID:    fall.ID,
		SectionID: section,
		Room:      room,
		Days:      mustDays(t, days),
		StartTime: mustClock(t, start),
		EndTime:   mustClock(t, end),
		StartDate: date(2026, time.August, 20),
		EndDate:   date(2026, time.December, 15),
	}
}

func scheduledFor(m MeetingPattern, handle string, instructors ...string) ScheduledRecording {
	s := ScheduledRecording{
		ID:             "rec-" + handle,
		TermID:         m.TermID,
		SectionID:      m.SectionID,
		Handle:         handle,
		InstructorUIDs: NewUIDSet(instructors...),
		PublishType:    PublishMediaGallery,
		RecordingType:  RecordingPresenterPresentationAudio,
		CreatedAt:      date(2026, time.August, 1),
	}
	return s.WithSummary(fall.Summary(m))
}

func teaching(uids ...string) []Instructor {
	out := make([]Instructor, 0, len(uids))
	for _, uid := range uids {
		out = append(out, Instructor{UID: uid, Role: RolePrimaryInstructor})
	}
	return out
}

type ledgerStub map[string]OverrideAction

func (l ledgerStub) LastManualOverride(_ context.Context, _, _, uid string) (OverrideAction, error) {
	return l[uid], nil
}

func fieldsOf(records []ChangeRecord) []FieldKind {
	out := make([]FieldKind, 0, len(records))
	for _, r := range records {
		out = append(out, r.Field)
	}
	return out
}
