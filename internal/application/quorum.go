package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// QuorumService decides whether an unscheduled course may be scheduled.
type QuorumService struct {
	repos  persistence.Repositories
	now    func() time.Time
	logger *slog.Logger
}

// NewQuorumService wires the service to its repositories.
func NewQuorumService(repos persistence.Repositories, now func() time.Time, logger *slog.Logger) *QuorumService {
	if now == nil {
		now = time.Now
	}
	return &QuorumService{repos: repos, now: now, logger: defaultLogger(logger)}
}

// Evaluate runs the quorum rule for a course that has no active projection row.
// Courses that are already scheduled are reported as not ready. When the course
// becomes ready, any opt-out across its cross-listed set is cleared.
func (s *QuorumService) Evaluate(ctx context.Context, course reconcile.Course, index reconcile.CrossListIndex) (reconcile.QuorumResult, error) {
	logger := serviceLogger(ctx, s.logger, "QuorumService", "Evaluate",
		"term_id", course.TermID, "section_id", course.SectionID)

	if course.Deleted {
		return reconcile.QuorumResult{}, nil
	}
	scheduled, err := s.repos.ListScheduledRecordings(ctx, persistence.RecordingFilter{
		TermID:    course.TermID,
		SectionID: course.SectionID,
	})
	if err != nil {
		return reconcile.QuorumResult{}, fmt.Errorf("list scheduled recordings: %w", err)
	}
	if len(scheduled) > 0 {
		return reconcile.QuorumResult{}, nil
	}

	approvals, err := s.repos.ListApprovals(ctx, course.TermID, course.SectionID)
	if err != nil {
		return reconcile.QuorumResult{}, fmt.Errorf("list approvals: %w", err)
	}
	result, err := reconcile.EvaluateQuorum(reconcile.QuorumInput{Course: course, Approvals: approvals})
	if err != nil {
		logger.WarnContext(ctx, "quorum evaluation refused", "error", err, "error_kind", ErrorKind(err))
		return reconcile.QuorumResult{}, &DataIntegrityError{
			TermID:    course.TermID,
			SectionID: course.SectionID,
			Reason:    "course cannot be scheduled",
			Err:       err,
		}
	}
	if !result.Ready {
		return result, nil
	}

	if err := s.repos.ClearOptOut(ctx, course.TermID, index.Members(course.SectionID), s.now()); err != nil {
		return reconcile.QuorumResult{}, fmt.Errorf("clear opt-out: %w", err)
	}
	logger.InfoContext(ctx, "course reached approval quorum", "approver_uid", result.Latest.ApproverUID)
	return result, nil
}
