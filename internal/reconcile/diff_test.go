package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func TestDiffRoomChangeAndNewInstructor(t *testing.T) {
	t.Parallel()

	scheduledMeeting := meeting(t, "CS101-01", "ROOM-A", "MOWE", "10:00", "11:00")
	current := meeting(t, "CS101-01", "ROOM-B", "MOWE", "10:00", "11:00")
	s := scheduledFor(scheduledMeeting, "h-1", "u1")

	got, err := Diff(context.Background(), DiffInput{
		Term: fall,
		Course: Course{
			TermID:           fall.ID,
			SectionID:        "CS101-01",
			EligibleMeetings: []MeetingPattern{current},
			Instructors:      teaching("u1", "u2"),
		},
		Scheduled: []ScheduledRecording{s},
	})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}

	roomA, roomB := "ROOM-A", "ROOM-B"
	want := []ChangeRecord{
		{
			TermID:    fall.ID,
			SectionID: "CS101-01",
			Field:     FieldMeetingUpdated,
			Old:       MeetingDelta{Room: &roomA},
			New:       MeetingDelta{Room: &roomB},
			Handle:    "h-1",
			Status:    StatusQueued,
		},
		{
			TermID:    fall.ID,
			SectionID: "CS101-01",
			Field:     FieldInstructorUIDs,
			Old:       UIDSet{"u1"},
			New:       UIDSet{"u1", "u2"},
			Status:    StatusQueued,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Diff mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffAddsUnmatchedMeetings(t *testing.T) {
	t.Parallel()

	kept := meeting(t, "PHYS7-01", "R-1", "MOWE", "09:00", "10:00")
	course := Course{
		TermID:    fall.ID,
		SectionID: "PHYS7-01",
		EligibleMeetings: []MeetingPattern{
			kept,
			meeting(t, "PHYS7-01", "LAB-2", "TU", "14:00", "16:00"),
			meeting(t, "PHYS7-01", "LAB-3", "TH", "14:00", "16:00"),
		},
		Instructors: teaching("u1"),
	}

	got, err := Diff(context.Background(), DiffInput{
		Term:      fall,
		Course:    course,
		Scheduled: []ScheduledRecording{scheduledFor(kept, "h-1", "u1")},
	})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if diff := cmp.Diff([]FieldKind{FieldMeetingAdded, FieldMeetingAdded}, fieldsOf(got)); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
	for _, r := range got {
		if r.Handle != "" || r.Old != nil {
			t.Fatalf("meeting_added must carry no handle or old value: %+v", r)
		}
	}
	if rooms := []string{got[0].New.(MeetingSummary).Room, got[1].New.(MeetingSummary).Room}; rooms[0] != "LAB-2" || rooms[1] != "LAB-3" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
}

func TestDiffSkipsAddedMeetingsWithNoDaysLeft(t *testing.T) {
	t.Parallel()

	kept := meeting(t, "PHYS8-01", "R-1", "MOWE", "09:00", "10:00")
	lab := meeting(t, "PHYS8-01", "LAB-2", "TU", "14:00", "16:00")
	lab.EndDate = date(2026, time.September, 30)
	course := Course{
		TermID:           fall.ID,
		SectionID:        "PHYS8-01",
		EligibleMeetings: []MeetingPattern{kept, lab},
		Instructors:      teaching("u1"),
	}

	tests := []struct {
		name string
		now  time.Time
		want []FieldKind
	}{
		{"no clock", time.Time{}, []FieldKind{FieldMeetingAdded}},
		{"last tuesday", date(2026, time.September, 29), []FieldKind{FieldMeetingAdded}},
		{"after last tuesday", date(2026, time.September, 30), []FieldKind{}},
		{"after window", date(2026, time.November, 2), []FieldKind{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Diff(context.Background(), DiffInput{
				Term:      fall,
				Course:    course,
				Scheduled: []ScheduledRecording{scheduledFor(kept, "h-1", "u1")},
				Now:       tt.now,
			})
			if err != nil {
				t.Fatalf("Diff returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, fieldsOf(got)); diff != "" {
				t.Fatalf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffRemovesExtraSchedules(t *testing.T) {
	t.Parallel()

	m := meeting(t, "ECON1-01", "R-9", "TUTH", "11:00", "12:15")
	stale := scheduledFor(meeting(t, "ECON1-01", "R-4", "FR", "11:00", "12:00"), "h-stale", "u1")
	got, err := Diff(context.Background(), DiffInput{
		Term: fall,
		Course: Course{
			TermID:           fall.ID,
			SectionID:        "ECON1-01",
			EligibleMeetings: []MeetingPattern{m},
			Instructors:      teaching("u1"),
		},
		Scheduled: []ScheduledRecording{scheduledFor(m, "h-1", "u1"), stale},
	})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(got) != 1 || got[0].Field != FieldMeetingRemoved || got[0].Handle != "h-stale" {
		t.Fatalf("expected one meeting_removed for h-stale, got %+v", got)
	}
}

func TestDiffCancellationCases(t *testing.T) {
	t.Parallel()

	m := meeting(t, "CHEM3-01", "R-1", "MOWEFR", "08:00", "08:50")
	scheduled := []ScheduledRecording{scheduledFor(m, "h-1", "u1")}
	ineligible := meeting(t, "CHEM3-01", "GYM", "MOWEFR", "08:00", "08:50")

	tests := []struct {
		name    string
		course  Course
		want    FieldKind
		wantNew bool
	}{
		{
			name:   "deleted upstream",
			course: Course{TermID: fall.ID, SectionID: "CHEM3-01", Deleted: true, EligibleMeetings: []MeetingPattern{m}},
			want:   FieldNotScheduled,
		},
		{
			name:   "no meetings",
			course: Course{TermID: fall.ID, SectionID: "CHEM3-01", Instructors: teaching("u1")},
			want:   FieldNotScheduled,
		},
		{
			name: "only ineligible meetings",
			course: Course{
				TermID:             fall.ID,
				SectionID:          "CHEM3-01",
				IneligibleMeetings: []MeetingPattern{ineligible},
				Instructors:        teaching("u1", "u9"),
			},
			want:    FieldRoomNotEligible,
			wantNew: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Diff(context.Background(), DiffInput{Term: fall, Course: tt.course, Scheduled: scheduled})
			if err != nil {
				t.Fatalf("Diff returned error: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("expected exactly one record, got %+v", got)
			}
			r := got[0]
			if r.Field != tt.want || r.Handle != "h-1" {
				t.Fatalf("unexpected record %+v", r)
			}
			if !ValuesEqual(r.Old, scheduled[0].Summary()) {
				t.Fatalf("old value should be the scheduled summary, got %+v", r.Old)
			}
			if (r.New != nil) != tt.wantNew {
				t.Fatalf("new value presence = %v, want %v", r.New != nil, tt.wantNew)
			}
			if err := ValidateValues(r.Field, r.Old, r.New); err != nil {
				t.Fatalf("ValidateValues: %v", err)
			}
		})
	}
}

func TestDiffIgnoresStartDateOfLateSchedule(t *testing.T) {
	t.Parallel()

	m := meeting(t, "MATH2-01", "R-3", "TUTH", "09:30", "10:45")
	late := scheduledFor(m, "h-late", "u1")
	late.CreatedAt = date(2026, time.September, 14)
	late.StartDate = late.CreatedAt

	input := DiffInput{
		Term: fall,
		Course: Course{
			TermID:           fall.ID,
			SectionID:        "MATH2-01",
			EligibleMeetings: []MeetingPattern{m},
			Instructors:      teaching("u1"),
		},
		Scheduled: []ScheduledRecording{late},
	}
	got, err := Diff(context.Background(), input)
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("late schedule should match, got %+v", got)
	}

	// an end-date change is still drift, and only the end date is reported
	input.Course.EligibleMeetings[0].EndDate = date(2026, time.November, 20)
	got, err = Diff(context.Background(), input)
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(got) != 1 || got[0].Field != FieldMeetingUpdated {
		t.Fatalf("expected one meeting_updated, got %+v", got)
	}
	delta := got[0].New.(MeetingDelta)
	if delta.StartDate != nil || delta.EndDate == nil || !delta.EndDate.Equal(date(2026, time.November, 20)) {
		t.Fatalf("unexpected delta %+v", delta)
	}
}

func TestDiffSkipsPendingRecords(t *testing.T) {
	t.Parallel()

	m := meeting(t, "CS101-01", "ROOM-B", "MOWE", "10:00", "11:00")
	input := DiffInput{
		Term: fall,
		Course: Course{
			TermID:           fall.ID,
			SectionID:        "CS101-01",
			EligibleMeetings: []MeetingPattern{m},
			Instructors:      teaching("u1", "u2"),
		},
		Scheduled:   []ScheduledRecording{scheduledFor(meeting(t, "CS101-01", "ROOM-A", "MOWE", "10:00", "11:00"), "h-1", "u1")},
		Preferences: &Preferences{PublishType: PublishMyMedia, RecordingType: RecordingPresentationAudio},
	}

	first, err := Diff(context.Background(), input)
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected four records on the first pass, got %v", fieldsOf(first))
	}

	input.Pending = first
	second, err := Diff(context.Background(), input)
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no new records, got %v", fieldsOf(second))
	}
}

func TestDiffCollaboratorOverrideSuppression(t *testing.T) {
	t.Parallel()

	m := meeting(t, "LAW9-01", "R-7", "WE", "18:00", "21:00")
	s := scheduledFor(m, "h-1", "u1")
	s.CollaboratorUIDs = NewUIDSet("keep", "drop-me")
	course := Course{
		TermID:           fall.ID,
		SectionID:        "LAW9-01",
		EligibleMeetings: []MeetingPattern{m},
		Instructors: append(teaching("u1"),
			Instructor{UID: "keep", Role: RoleCollaborator},
			Instructor{UID: "x", Role: RoleCollaborator},
		),
	}

	tests := []struct {
		name   string
		ledger ledgerStub
		want   []ChangeRecord
	}{
		{
			name:   "no overrides",
			ledger: ledgerStub{},
			want: []ChangeRecord{{
				TermID:    fall.ID,
				SectionID: "LAW9-01",
				Field:     FieldCollaboratorUIDs,
				Old:       UIDSet{"drop-me", "keep"},
				New:       UIDSet{"keep", "x"},
				Status:    StatusQueued,
			}},
		},
		{
			name:   "manual removal blocks re-add",
			ledger: ledgerStub{"x": OverrideRemoved},
			want: []ChangeRecord{{
				TermID:    fall.ID,
				SectionID: "LAW9-01",
				Field:     FieldCollaboratorUIDs,
				Old:       UIDSet{"drop-me", "keep"},
				New:       UIDSet{"keep"},
				Status:    StatusQueued,
			}},
		},
		{
			name:   "manual add and removal both honoured",
			ledger: ledgerStub{"x": OverrideRemoved, "drop-me": OverrideAdded},
			want:   []ChangeRecord{},
		},
		{
			name:   "later manual re-add lifts suppression",
			ledger: ledgerStub{"x": OverrideAdded},
			want: []ChangeRecord{{
				TermID:    fall.ID,
				SectionID: "LAW9-01",
				Field:     FieldCollaboratorUIDs,
				Old:       UIDSet{"drop-me", "keep"},
				New:       UIDSet{"keep", "x"},
				Status:    StatusQueued,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Diff(context.Background(), DiffInput{
				Term:      fall,
				Course:    course,
				Scheduled: []ScheduledRecording{s},
				Ledger:    tt.ledger,
			})
			if err != nil {
				t.Fatalf("Diff returned error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Diff mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiffIgnoresDeletedAndNonTeachingInstructors(t *testing.T) {
	t.Parallel()

	m := meeting(t, "SOC1-01", "R-2", "MO", "15:00", "16:00")
	got, err := Diff(context.Background(), DiffInput{
		Term: fall,
		Course: Course{
			TermID:           fall.ID,
			SectionID:        "SOC1-01",
			EligibleMeetings: []MeetingPattern{m},
			Instructors: []Instructor{
				{UID: "u1", Role: RolePrimaryInstructor},
				{UID: "gone", Role: RoleSecondaryInstructor, Deleted: true},
				{UID: "ta", Role: RoleTeachingAssistant},
			},
		},
		Scheduled: []ScheduledRecording{scheduledFor(m, "h-1", "u1")},
	})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no drift, got %v", fieldsOf(got))
	}
}

func TestDiffWithoutScheduleEmitsNothing(t *testing.T) {
	t.Parallel()

	m := meeting(t, "NEW-01", "R-2", "MO", "15:00", "16:00")
	got, err := Diff(context.Background(), DiffInput{
		Term:   fall,
		Course: Course{TermID: fall.ID, SectionID: "NEW-01", EligibleMeetings: []MeetingPattern{m}},
	})
	if err != nil {
		t.Fatalf("Diff returned error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unscheduled sections must not be diffed, got %v", fieldsOf(got))
	}
}

func TestMeetingChangeCountProperty(t *testing.T) {
	rooms := []string{"R-1", "R-2", "R-3"}
	dayCodes := []string{"MO", "TUTH", "MOWEFR", "SA"}
	starts := []string{"08:00", "10:00", "13:30"}

	rapid.Check(t, func(rt *rapid.T) {
		meetingCount := rapid.IntRange(1, 5).Draw(rt, "meetings")
		meetings := make([]MeetingPattern, meetingCount)
		for i := range meetings {
			meetings[i] = meeting(t, "PROP-01",
				rapid.SampledFrom(rooms).Draw(rt, "room"),
				rapid.SampledFrom(dayCodes).Draw(rt, "days"),
				rapid.SampledFrom(starts).Draw(rt, "start"),
				"14:50",
			)
		}

		var scheduled []ScheduledRecording
		copies := 0
		for i, m := range meetings {
			if rapid.Bool().Draw(rt, "copy") {
				scheduled = append(scheduled, scheduledFor(m, fmt.Sprintf("h-copy-%d", i), "u1"))
				copies++
			}
		}
		junk := rapid.IntRange(0, 4).Draw(rt, "junk")
		for i := 0; i < junk; i++ {
			stray := meeting(t, "PROP-01", fmt.Sprintf("X-%d", i), "FR", "07:00", "07:50")
			scheduled = append(scheduled, scheduledFor(stray, fmt.Sprintf("h-junk-%d", i), "u1"))
		}
		if len(scheduled) == 0 {
			return
		}
		// interleave copies and strays so pairing order is exercised
		perm := rapid.Permutation(scheduled).Draw(rt, "order")

		input := DiffInput{
			Term: fall,
			Course: Course{
				TermID:           fall.ID,
				SectionID:        "PROP-01",
				EligibleMeetings: meetings,
				Instructors:      teaching("u1"),
			},
			Scheduled: perm,
		}
		got, err := Diff(context.Background(), input)
		if err != nil {
			rt.Fatalf("Diff returned error: %v", err)
		}

		meetingRecords := 0
		for _, r := range got {
			switch r.Field {
			case FieldMeetingAdded, FieldMeetingRemoved, FieldMeetingUpdated:
				meetingRecords++
			}
		}
		want := max(meetingCount-copies, len(perm)-copies)
		if meetingRecords != want {
			rt.Fatalf("meeting records = %d, want %d", meetingRecords, want)
		}

		input.Pending = got
		again, err := Diff(context.Background(), input)
		if err != nil {
			rt.Fatalf("Diff returned error: %v", err)
		}
		if len(again) != 0 {
			rt.Fatalf("second pass emitted %v", fieldsOf(again))
		}
	})
}
