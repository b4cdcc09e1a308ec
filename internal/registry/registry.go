// Package registry reads course snapshots exported by the authoritative
// course registry.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/recurrence"
)

const dateLayout = "2006-01-02"

// ErrSnapshotNotFound is returned when no snapshot exists for a term.
var ErrSnapshotNotFound = errors.New("registry: snapshot not found")

// FileRegistry serves courses from <dir>/<term>.json.
type FileRegistry struct {
	dir string
}

// NewFileRegistry reads snapshots from dir.
func NewFileRegistry(dir string) *FileRegistry {
	return &FileRegistry{dir: dir}
}

type snapshotDoc struct {
	TermID  string      `json:"term_id"`
	Courses []courseDoc `json:"courses"`
}

type courseDoc struct {
	SectionID string       `json:"section_id"`
	Title     string       `json:"title"`
	Deleted   bool         `json:"deleted"`
	SiteIDs   []string     `json:"site_ids"`
	Meetings  []meetingDoc `json:"meetings"`
	People    []personDoc  `json:"people"`
}

type meetingDoc struct {
	Room      string               `json:"room"`
	Days      recurrence.DaySet    `json:"days"`
	StartTime recurrence.TimeOfDay `json:"start_time"`
	EndTime   recurrence.TimeOfDay `json:"end_time"`
	StartDate string               `json:"start_date"`
	EndDate   string               `json:"end_date"`
	Eligible  bool                 `json:"eligible"`
}

type personDoc struct {
	UID     string `json:"uid"`
	Role    string `json:"role"`
	Deleted bool   `json:"deleted"`
}

// CourseChanges returns every course of termID in the snapshot.
func (r *FileRegistry) CourseChanges(ctx context.Context, termID string) ([]reconcile.Course, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if termID == "" || strings.ContainsAny(termID, `/\`) || termID == "." || termID == ".." {
		return nil, fmt.Errorf("registry: invalid term id %q", termID)
	}
	f, err := os.Open(filepath.Join(r.dir, termID+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, termID)
		}
		return nil, fmt.Errorf("registry: open snapshot: %w", err)
	}
	defer f.Close()
	return Decode(f, termID)
}

// Decode parses a snapshot document for termID.
func Decode(r io.Reader, termID string) ([]reconcile.Course, error) {
	var doc snapshotDoc
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("registry: decode snapshot: %w", err)
	}
	if doc.TermID != "" && doc.TermID != termID {
		return nil, fmt.Errorf("registry: snapshot is for term %q, want %q", doc.TermID, termID)
	}

	courses := make([]reconcile.Course, 0, len(doc.Courses))
	for i, c := range doc.Courses {
		course, err := c.course(termID)
		if err != nil {
			return nil, fmt.Errorf("registry: course %d: %w", i, err)
		}
		courses = append(courses, course)
	}
	return courses, nil
}

func (c courseDoc) course(termID string) (reconcile.Course, error) {
	if strings.TrimSpace(c.SectionID) == "" {
		return reconcile.Course{}, errors.New("section_id is required")
	}
	course := reconcile.Course{
		TermID:    termID,
		SectionID: c.SectionID,
		Title:     c.Title,
		Deleted:   c.Deleted,
		SiteIDs:   c.SiteIDs,
	}
	for j, m := range c.Meetings {
		meeting, err := m.meeting(termID, c.SectionID)
		if err != nil {
			return reconcile.Course{}, fmt.Errorf("section %s meeting %d: %w", c.SectionID, j, err)
		}
		if m.Eligible {
			course.EligibleMeetings = append(course.EligibleMeetings, meeting)
		} else {
			course.IneligibleMeetings = append(course.IneligibleMeetings, meeting)
		}
	}
	for _, p := range c.People {
		course.Instructors = append(course.Instructors, reconcile.Instructor{
			UID:     p.UID,
			Role:    reconcile.Role(strings.ToUpper(p.Role)),
			Deleted: p.Deleted,
		})
	}
	return course, nil
}

func (m meetingDoc) meeting(termID, sectionID string) (reconcile.MeetingPattern, error) {
	start, err := time.Parse(dateLayout, m.StartDate)
	if err != nil {
		return reconcile.MeetingPattern{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := time.Parse(dateLayout, m.EndDate)
	if err != nil {
		return reconcile.MeetingPattern{}, fmt.Errorf("end_date: %w", err)
	}
	if m.EndTime <= m.StartTime {
		return reconcile.MeetingPattern{}, fmt.Errorf("end_time %s is not after start_time %s", m.EndTime, m.StartTime)
	}
	return reconcile.MeetingPattern{
		TermID:    termID,
		SectionID: sectionID,
		Room:      m.Room,
		Days:      m.Days,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		StartDate: start,
		EndDate:   end,
	}, nil
}
