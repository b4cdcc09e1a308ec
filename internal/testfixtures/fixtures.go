package testfixtures

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/recurrence"
)

var (
	sectionCounter   uint64
	recordingCounter uint64
)

// TermID is the term every fixture belongs to.
const TermID = "2026FA"

var referenceTime = time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures. It
// falls before the fixture term's recording window opens.
func ReferenceTime() time.Time {
	return referenceTime
}

// Term returns the fixture term, recording from Aug 24 to Dec 11 2026.
func Term() reconcile.Term {
	return reconcile.Term{
		ID:             TermID,
		RecordingStart: Date(2026, time.August, 24),
		RecordingEnd:   Date(2026, time.December, 11),
	}
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ---------------------------- Course fixtures ----------------------------

// CourseOption configures a generated course.
type CourseOption func(*reconcile.Course)

// NewCourse returns a course with one eligible MOWE 10:00-11:00 meeting in
// HUM-101 taught by u1, unless overridden.
func NewCourse(opts ...CourseOption) reconcile.Course {
	idx := atomic.AddUint64(&sectionCounter, 1)
	section := fmt.Sprintf("SEC-%03d", idx)
	course := reconcile.Course{
		TermID:           TermID,
		SectionID:        section,
		Title:            fmt.Sprintf("Course %03d", idx),
		EligibleMeetings: []reconcile.MeetingPattern{Meeting("HUM-101", "MOWE", 10)},
		Instructors:      []reconcile.Instructor{{UID: "u1", Role: reconcile.RolePrimaryInstructor}},
		SiteIDs:          []string{"site-" + section},
	}
	for _, opt := range opts {
		opt(&course)
	}
	for i := range course.EligibleMeetings {
		course.EligibleMeetings[i].SectionID = course.SectionID
	}
	for i := range course.IneligibleMeetings {
		course.IneligibleMeetings[i].SectionID = course.SectionID
	}
	return course
}

// WithSection overrides the generated section id.
func WithSection(id string) CourseOption {
	return func(c *reconcile.Course) {
		c.SectionID = id
		c.SiteIDs = []string{"site-" + id}
	}
}

// WithMeetings replaces the eligible meetings.
func WithMeetings(meetings ...reconcile.MeetingPattern) CourseOption {
	return func(c *reconcile.Course) {
		c.EligibleMeetings = meetings
	}
}

// WithIneligibleMeetings replaces the ineligible meetings.
func WithIneligibleMeetings(meetings ...reconcile.MeetingPattern) CourseOption {
	return func(c *reconcile.Course) {
		c.IneligibleMeetings = meetings
	}
}

// WithInstructors replaces the people on the course with primary instructors.
func WithInstructors(uids ...string) CourseOption {
	return func(c *reconcile.Course) {
		people := make([]reconcile.Instructor, 0, len(uids))
		for _, uid := range uids {
			people = append(people, reconcile.Instructor{UID: uid, Role: reconcile.RolePrimaryInstructor})
		}
		c.Instructors = people
	}
}

// WithCollaborators appends collaborators to the course.
func WithCollaborators(uids ...string) CourseOption {
	return func(c *reconcile.Course) {
		for _, uid := range uids {
			c.Instructors = append(c.Instructors, reconcile.Instructor{UID: uid, Role: reconcile.RoleCollaborator})
		}
	}
}

// WithSites overrides the course site ids.
func WithSites(ids ...string) CourseOption {
	return func(c *reconcile.Course) {
		c.SiteIDs = ids
	}
}

// Deleted marks the course as removed upstream.
func Deleted() CourseOption {
	return func(c *reconcile.Course) {
		c.Deleted = true
	}
}

// Meeting returns a one-hour fixture-term meeting starting at hour on days.
func Meeting(room, days string, hour int) reconcile.MeetingPattern {
	set, err := recurrence.ParseDays(days)
	if err != nil {
		panic(err)
	}
	return reconcile.MeetingPattern{
		TermID:    TermID,
		Room:      room,
		Days:      set,
		StartTime: recurrence.NewTimeOfDay(hour, 0),
		EndTime:   recurrence.NewTimeOfDay(hour+1, 0),
		StartDate: Date(2026, time.August, 24),
		EndDate:   Date(2026, time.December, 11),
	}
}

// --------------------------- Approval fixtures ---------------------------

// Approval returns an approval of kind by uid, created offset after ReferenceTime.
func Approval(course reconcile.Course, uid string, kind reconcile.ApproverKind, offset time.Duration) reconcile.Approval {
	return reconcile.Approval{
		TermID:        course.TermID,
		SectionID:     course.SectionID,
		ApproverUID:   uid,
		Kind:          kind,
		PublishType:   reconcile.PublishMediaGallery,
		RecordingType: reconcile.RecordingPresenterPresentationAudio,
		CreatedAt:     referenceTime.Add(offset),
	}
}

// -------------------------- Recording fixtures ---------------------------

// RecordingFor returns the projection row that mirrors meeting of course as
// scheduled under handle in the fixture term.
func RecordingFor(course reconcile.Course, meeting reconcile.MeetingPattern, handle string) reconcile.ScheduledRecording {
	idx := atomic.AddUint64(&recordingCounter, 1)
	return reconcile.ScheduledRecording{
		ID:               fmt.Sprintf("rec-%03d", idx),
		TermID:           course.TermID,
		SectionID:        course.SectionID,
		Handle:           handle,
		InstructorUIDs:   course.InstructorUIDs(),
		CollaboratorUIDs: course.CollaboratorUIDs(),
		PublishType:      reconcile.PublishMediaGallery,
		RecordingType:    reconcile.RecordingPresenterPresentationAudio,
		CreatedAt:        referenceTime,
		UpdatedAt:        referenceTime,
	}.WithSummary(Term().Summary(meeting))
}
