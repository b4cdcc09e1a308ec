package reconcile

import (
	"errors"
	"fmt"
)

// ErrAmbiguousMeetings is returned when a course has more than one eligible
// meeting pattern; initial scheduling needs exactly one.
var ErrAmbiguousMeetings = errors.New("reconcile: more than one eligible meeting")

// QuorumInput is the data needed to decide whether a course may be scheduled.
type QuorumInput struct {
	Course    Course
	Approvals []Approval
}

// QuorumResult is the outcome of EvaluateQuorum.
type QuorumResult struct {
	Ready bool
	// Latest is the most recently created approval; set only when Ready.
	Latest *Approval
	// Meeting is the single eligible meeting; set only when Ready.
	Meeting *MeetingPattern
}

// EvaluateQuorum decides whether the approvals on a course authorize its first
// schedule. A course is ready when an administrator approved it, or when every
// instructor on the course approved it. Soft-deleted approvals are ignored.
func EvaluateQuorum(in QuorumInput) (QuorumResult, error) {
	if n := len(in.Course.EligibleMeetings); n > 1 {
		return QuorumResult{}, fmt.Errorf("%w: section %s has %d", ErrAmbiguousMeetings, in.Course.SectionID, n)
	}
	if len(in.Course.EligibleMeetings) == 0 {
		return QuorumResult{}, nil
	}

	approvals := make([]Approval, 0, len(in.Approvals))
	for _, a := range in.Approvals {
		if a.DeletedAt != nil {
			continue
		}
		approvals = append(approvals, a)
	}
	if len(approvals) == 0 {
		return QuorumResult{}, nil
	}
	if !quorumMet(in.Course.InstructorUIDs(), approvals) {
		return QuorumResult{}, nil
	}

	latest := latestApproval(approvals)
	meeting := in.Course.EligibleMeetings[0]
	return QuorumResult{Ready: true, Latest: &latest, Meeting: &meeting}, nil
}

func quorumMet(instructors UIDSet, approvals []Approval) bool {
	approved := make(map[string]struct{}, len(approvals))
	for _, a := range approvals {
		if a.Kind == ApproverAdmin {
			return true
		}
		approved[a.ApproverUID] = struct{}{}
	}
	// a course without instructors can only be approved by an administrator
	if len(instructors) == 0 {
		return false
	}
	for _, uid := range instructors {
		if _, ok := approved[uid]; !ok {
			return false
		}
	}
	return true
}

func latestApproval(approvals []Approval) Approval {
	latest := approvals[0]
	for _, a := range approvals[1:] {
		switch {
		case a.CreatedAt.After(latest.CreatedAt):
			latest = a
		case a.CreatedAt.Equal(latest.CreatedAt) && a.ApproverUID > latest.ApproverUID:
			latest = a
		}
	}
	return latest
}
