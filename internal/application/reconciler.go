package application

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/capture-scheduler/internal/logging"
	"github.com/example/capture-scheduler/internal/metrics"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
)

// alertOrphaned is recorded in AlertsSent once an orphaned row was reported.
const alertOrphaned = "data_integrity"

// Registry is the authoritative course registry.
type Registry interface {
	CourseChanges(ctx context.Context, termID string) ([]reconcile.Course, error)
}

// ReconcilerDeps collects the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Store         persistence.Store
	Registry      Registry
	Queue         *ChangeQueue
	CrossListings *CrossListingService
	Quorum        *QuorumService
	Applier       *Applier
	Alerter       *Alerter
	Terms         []reconcile.Term
	Now           func() time.Time
	Logger        *slog.Logger
}

// PassReport summarizes one reconciliation pass.
type PassReport struct {
	TermID         string    `json:"term_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Courses        int       `json:"courses"`
	CrossListed    int       `json:"cross_listed"`
	Scheduled      int       `json:"scheduled"`
	Enqueued       int       `json:"enqueued"`
	Succeeded      int       `json:"succeeded"`
	Errored        int       `json:"errored"`
	Alerts         int       `json:"alerts"`
	Orphans        int       `json:"orphans"`
	FailedSections []string  `json:"failed_sections,omitempty"`
}

// Reconciler runs reconciliation passes. At most one pass runs at a time; a
// pass requested while another is running is rejected with ErrPassInProgress.
type Reconciler struct {
	store         persistence.Store
	registry      Registry
	queue         *ChangeQueue
	crossListings *CrossListingService
	quorum        *QuorumService
	applier       *Applier
	alerter       *Alerter
	terms         map[string]reconcile.Term
	now           func() time.Time
	logger        *slog.Logger

	guard   *semaphore.Weighted
	running atomic.Bool
}

// NewReconciler wires a reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	terms := make(map[string]reconcile.Term, len(deps.Terms))
	for _, term := range deps.Terms {
		terms[term.ID] = term
	}
	return &Reconciler{
		store:         deps.Store,
		registry:      deps.Registry,
		queue:         deps.Queue,
		crossListings: deps.CrossListings,
		quorum:        deps.Quorum,
		applier:       deps.Applier,
		alerter:       deps.Alerter,
		terms:         terms,
		now:           deps.Now,
		logger:        defaultLogger(deps.Logger),
		guard:         semaphore.NewWeighted(1),
	}
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Terms returns the configured term ids in order.
func (r *Reconciler) Terms() []string {
	ids := make([]string, 0, len(r.terms))
	for id := range r.terms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Run reconciles every course of termID.
func (r *Reconciler) Run(ctx context.Context, termID string) (report PassReport, err error) {
	ctx, logger := logging.With(ctx, r.logger, "term_id", termID)
	logger = serviceLogger(ctx, nil, "Reconciler", "Run")

	if !r.guard.TryAcquire(1) {
		metrics.PassSkipped()
		logger.WarnContext(ctx, "reconciliation pass skipped; another pass is running")
		return PassReport{}, ErrPassInProgress
	}
	defer r.guard.Release(1)

	term, ok := r.terms[termID]
	if !ok {
		return PassReport{}, fmt.Errorf("%w: %s", ErrUnknownTerm, termID)
	}

	r.running.Store(true)
	defer r.running.Store(false)
	report = PassReport{TermID: termID, StartedAt: r.now()}
	metrics.PassStarted()
	defer func() {
		report.FinishedAt = r.now()
		result := "ok"
		switch {
		case err != nil:
			result = "failed"
		case len(report.FailedSections) > 0 || report.Errored > 0:
			result = "partial"
		}
		metrics.PassFinished(result, report.StartedAt)
	}()

	courses, err := r.registry.CourseChanges(ctx, termID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load courses from registry", "error", err)
		return report, fmt.Errorf("load courses for %s: %w", termID, err)
	}
	courses = dedupeCourses(courses)
	report.Courses = len(courses)

	index, err := r.crossListings.Rebuild(ctx, termID, courses)
	if err != nil {
		return report, err
	}
	if err := r.checkOrphans(ctx, courses, termID, &report); err != nil {
		return report, err
	}

	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !index.IsPrincipal(course.SectionID) {
			report.CrossListed++
			continue
		}
		r.safely(ctx, course, &report, func(ctx context.Context) error {
			return r.reconcileSection(ctx, term, course, index, &report)
		})
	}

	logger.InfoContext(ctx, "reconciliation pass finished",
		"courses", report.Courses,
		"scheduled", report.Scheduled,
		"enqueued", report.Enqueued,
		"succeeded", report.Succeeded,
		"errored", report.Errored,
		"alerts", report.Alerts,
		"failed_sections", report.FailedSections)
	return report, nil
}

func (r *Reconciler) reconcileSection(ctx context.Context, term reconcile.Term, course reconcile.Course, index reconcile.CrossListIndex, report *PassReport) error {
	rows, err := r.store.ListScheduledRecordings(ctx, persistence.RecordingFilter{
		TermID:    course.TermID,
		SectionID: course.SectionID,
	})
	if err != nil {
		return fmt.Errorf("list scheduled recordings: %w", err)
	}
	prefs, err := r.crossListings.Preferences(ctx, course.TermID, index, course.SectionID)
	if err != nil {
		return err
	}
	pending, err := r.queue.PendingBySection(ctx, course.TermID, course.SectionID)
	if err != nil {
		return fmt.Errorf("list pending changes: %w", err)
	}

	if len(rows) == 0 {
		if len(pending) > 0 {
			if err := r.apply(ctx, term, course, pending, report); err != nil {
				return err
			}
		}
		return r.scheduleInitial(ctx, term, course, index, prefs, report)
	}

	records, err := reconcile.Diff(ctx, reconcile.DiffInput{
		Term:        term,
		Course:      course,
		Scheduled:   rows,
		Preferences: prefs,
		Pending:     pending,
		Ledger:      r.queue,
		Now:         r.now(),
	})
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	enqueued, err := r.queue.Enqueue(ctx, records)
	if err != nil {
		return err
	}
	report.Enqueued += len(enqueued)
	return r.apply(ctx, term, course, append(pending, enqueued...), report)
}

func (r *Reconciler) apply(ctx context.Context, term reconcile.Term, course reconcile.Course, pending []reconcile.ChangeRecord, report *PassReport) error {
	result, err := r.applier.ApplySection(ctx, term, course, pending)
	report.Succeeded += result.Succeeded
	report.Errored += result.Errored
	report.Alerts += result.Alerts
	return err
}

func (r *Reconciler) scheduleInitial(ctx context.Context, term reconcile.Term, course reconcile.Course, index reconcile.CrossListIndex, prefs *reconcile.Preferences, report *PassReport) error {
	quorum, err := r.quorum.Evaluate(ctx, course, index)
	if err != nil {
		var dataErr *DataIntegrityError
		if errors.As(err, &dataErr) {
			if r.alerter.Raise(ctx, Alert{TermID: course.TermID, SectionID: course.SectionID, Group: GroupInitial, Err: err}) {
				report.Alerts++
			}
			return nil
		}
		return err
	}
	if !quorum.Ready {
		return nil
	}
	_, created, err := r.applier.ScheduleInitial(ctx, term, course, quorum, prefs)
	if err != nil {
		if r.alerter.Raise(ctx, Alert{TermID: course.TermID, SectionID: course.SectionID, Group: GroupInitial, Err: err}) {
			report.Alerts++
		}
		return err
	}
	if created {
		report.Scheduled++
	}
	return nil
}

// checkOrphans reports projection rows whose section vanished from the
// registry. Their pending records are errored and one alert is sent per row.
func (r *Reconciler) checkOrphans(ctx context.Context, courses []reconcile.Course, termID string, report *PassReport) error {
	known := make(map[string]struct{}, len(courses))
	for _, course := range courses {
		known[course.SectionID] = struct{}{}
	}
	rows, err := r.store.ListScheduledRecordings(ctx, persistence.RecordingFilter{TermID: termID})
	if err != nil {
		return fmt.Errorf("list scheduled recordings: %w", err)
	}

	logger := serviceLogger(ctx, r.logger, "Reconciler", "checkOrphans")
	errored := make(map[string]bool)
	for _, row := range rows {
		if _, ok := known[row.SectionID]; ok {
			continue
		}
		report.Orphans++
		cause := &DataIntegrityError{
			TermID:    row.TermID,
			SectionID: row.SectionID,
			Handle:    row.Handle,
			Reason:    "course no longer present in the registry",
		}

		if !errored[row.SectionID] {
			errored[row.SectionID] = true
			pending, err := r.queue.PendingBySection(ctx, row.TermID, row.SectionID)
			if err != nil {
				return fmt.Errorf("list pending changes: %w", err)
			}
			for _, rec := range pending {
				if err := ignoreResolved(r.queue.MarkErrored(ctx, rec.ID, cause.Error())); err != nil {
					return err
				}
				report.Errored++
				metrics.ChangeResolved(string(rec.Field), string(reconcile.StatusErrored))
			}
		}

		if row.HasAlert(alertOrphaned) {
			continue
		}
		if !r.alerter.Raise(ctx, Alert{TermID: row.TermID, SectionID: row.SectionID, Handle: row.Handle, Group: GroupIntegrity, Err: cause}) {
			continue
		}
		report.Alerts++
		row.AlertsSent = append(row.AlertsSent, alertOrphaned)
		if err := r.store.UpdateScheduledRecording(ctx, row); err != nil {
			logger.ErrorContext(ctx, "failed to record orphan alert", "handle", row.Handle, "error", err)
		}
	}
	return nil
}

// safely runs fn for one course. An error or panic is recorded against that
// course only; its unresolved records are marked errored.
func (r *Reconciler) safely(ctx context.Context, course reconcile.Course, report *PassReport, fn func(ctx context.Context) error) {
	ctx, _ = logging.With(ctx, r.logger, "section_id", course.SectionID)
	logger := serviceLogger(ctx, r.logger, "Reconciler", "reconcileSection")

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				logger.ErrorContext(ctx, "section processing panicked", "panic", p, "stack", string(debug.Stack()))
			}
		}()
		err = fn(ctx)
	}()
	if err == nil {
		return
	}

	logger.ErrorContext(ctx, "section processing failed", "error", err, "error_kind", ErrorKind(err))
	report.FailedSections = append(report.FailedSections, course.SectionID)
	pending, listErr := r.queue.PendingBySection(ctx, course.TermID, course.SectionID)
	if listErr != nil {
		logger.ErrorContext(ctx, "failed to list unresolved changes", "error", listErr)
		return
	}
	for _, rec := range pending {
		if markErr := ignoreResolved(r.queue.MarkErrored(ctx, rec.ID, err.Error())); markErr != nil {
			logger.ErrorContext(ctx, "failed to mark change errored", "change_id", rec.ID, "error", markErr)
			continue
		}
		report.Errored++
		metrics.ChangeResolved(string(rec.Field), string(reconcile.StatusErrored))
	}
}

// dedupeCourses keeps the last entry per section, ordered by section id.
func dedupeCourses(courses []reconcile.Course) []reconcile.Course {
	bySection := make(map[string]reconcile.Course, len(courses))
	for _, course := range courses {
		bySection[course.SectionID] = course
	}
	out := make([]reconcile.Course, 0, len(bySection))
	for _, course := range bySection {
		out = append(out, course)
	}
	slices.SortFunc(out, func(a, b reconcile.Course) int {
		return cmp.Compare(a.SectionID, b.SectionID)
	})
	return out
}
