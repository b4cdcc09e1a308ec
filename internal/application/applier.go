package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/example/capture-scheduler/internal/metrics"
	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/scheduler"
)

// Field group names, used in logs, alerts and SectionResult.
const (
	GroupCancellation = "cancellation"
	GroupACL          = "acl"
	GroupPublish      = "publish"
	GroupMeeting      = "meeting"
	GroupInitial      = "initial"
	GroupIntegrity    = "integrity"
)

const (
	defaultPublishType   = reconcile.PublishMyMedia
	defaultRecordingType = reconcile.RecordingPresenterPresentationAudio
)

// ApplierDeps collects the collaborators of an Applier.
type ApplierDeps struct {
	Store     persistence.Store
	Queue     *ChangeQueue
	Scheduler scheduler.Client
	Notifier  notify.Notifier
	Alerter   *Alerter
	// Rooms maps registry room ids to scheduler resource ids.
	Rooms       map[string]string
	IDGenerator func() string
	Now         func() time.Time
	Logger      *slog.Logger
}

// SectionResult summarizes one ApplySection or ScheduleInitial call.
type SectionResult struct {
	TermID       string
	SectionID    string
	Succeeded    int
	Errored      int
	Alerts       int
	Created      []string
	Cancelled    []string
	FailedGroups []string
}

// Applier pushes queued change records to the external scheduler and mirrors
// the outcome in the local projection.
type Applier struct {
	store       persistence.Store
	queue       *ChangeQueue
	client      scheduler.Client
	notifier    notify.Notifier
	alerter     *Alerter
	rooms       map[string]string
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
	groups      map[reconcile.FieldKind]*fieldGroup
}

type fieldGroup struct {
	name  string
	apply func(ctx context.Context, run *sectionRun, records []reconcile.ChangeRecord) (groupEffect, error)
}

// groupEffect is what a field group wants persisted once its vendor calls succeeded.
type groupEffect struct {
	updated       []reconcile.ScheduledRecording
	created       []reconcile.ScheduledRecording
	deleted       []reconcile.ScheduledRecording
	notifications []notify.Notification
}

type snapshot struct {
	event scheduler.Event
	err   error
}

type sectionRun struct {
	term          reconcile.Term
	course        reconcile.Course
	rows          []reconcile.ScheduledRecording
	snapshots     map[string]snapshot
	notifications []notify.Notification
	result        SectionResult
}

// NewApplier wires an applier.
func NewApplier(deps ApplierDeps) *Applier {
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "" }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Alerter == nil {
		deps.Alerter = NewAlerter(deps.Notifier, 0, deps.Now, deps.Logger)
	}
	a := &Applier{
		store:       deps.Store,
		queue:       deps.Queue,
		client:      deps.Scheduler,
		notifier:    deps.Notifier,
		alerter:     deps.Alerter,
		rooms:       deps.Rooms,
		idGenerator: deps.IDGenerator,
		now:         deps.Now,
		logger:      defaultLogger(deps.Logger),
	}
	acl := &fieldGroup{name: GroupACL, apply: a.applyACL}
	publish := &fieldGroup{name: GroupPublish, apply: a.applyPublish}
	meeting := &fieldGroup{name: GroupMeeting, apply: a.applyMeeting}
	a.groups = map[reconcile.FieldKind]*fieldGroup{
		reconcile.FieldInstructorUIDs:   acl,
		reconcile.FieldCollaboratorUIDs: acl,
		reconcile.FieldPublishType:      publish,
		reconcile.FieldRecordingType:    publish,
		reconcile.FieldMeetingAdded:     meeting,
		reconcile.FieldMeetingUpdated:   meeting,
	}
	return a
}

// groupOrder is the order in which field groups are attempted.
var groupOrder = []string{GroupACL, GroupPublish, GroupMeeting}

// ApplySection applies the queued records of one section. Each field group
// succeeds or fails on its own; failures mark only that group's records
// errored and raise an admin alert. The returned error is reserved for
// failures that prevent any group from being attempted.
func (a *Applier) ApplySection(ctx context.Context, term reconcile.Term, course reconcile.Course, pending []reconcile.ChangeRecord) (SectionResult, error) {
	run := &sectionRun{
		term:      term,
		course:    course,
		snapshots: make(map[string]snapshot),
		result:    SectionResult{TermID: course.TermID, SectionID: course.SectionID},
	}
	if len(pending) == 0 {
		return run.result, nil
	}
	logger := serviceLogger(ctx, a.logger, "Applier", "ApplySection",
		"term_id", course.TermID, "section_id", course.SectionID, "records", len(pending))

	rows, err := a.store.ListScheduledRecordings(ctx, persistence.RecordingFilter{
		TermID:    course.TermID,
		SectionID: course.SectionID,
	})
	if err != nil {
		return run.result, fmt.Errorf("list scheduled recordings: %w", err)
	}
	run.rows = rows
	for _, row := range rows {
		event, err := a.client.GetEvent(ctx, row.Handle)
		run.snapshots[row.Handle] = snapshot{event: event, err: err}
	}

	cancellations, cancelOrder, grouped, orphaned := a.partition(run, pending)
	for _, handle := range slices.Sorted(maps.Keys(orphaned)) {
		records := orphaned[handle]
		a.fail(ctx, run, GroupIntegrity, records, &DataIntegrityError{
			TermID:    course.TermID,
			SectionID: course.SectionID,
			Handle:    handle,
			Reason:    "change refers to a schedule with no active projection row",
		})
	}
	for _, handle := range cancelOrder {
		records := cancellations[handle]
		effect, err := a.cancelSchedule(ctx, run, handle, records)
		a.finish(ctx, run, GroupCancellation, records, effect, err)
	}
	for _, name := range groupOrder {
		records := grouped[name]
		if len(records) == 0 {
			continue
		}
		group := a.groups[records[0].Field]
		effect, err := group.apply(ctx, run, records)
		a.finish(ctx, run, group.name, records, effect, err)
	}

	a.sendNotifications(ctx, run.notifications)
	logger.InfoContext(ctx, "section applied",
		"succeeded", run.result.Succeeded,
		"errored", run.result.Errored,
		"failed_groups", run.result.FailedGroups)
	return run.result, nil
}

// partition splits records into per-handle cancellations and field groups.
// Handle-tagged records whose handle has no active row are returned as orphaned.
func (a *Applier) partition(run *sectionRun, pending []reconcile.ChangeRecord) (map[string][]reconcile.ChangeRecord, []string, map[string][]reconcile.ChangeRecord, map[string][]reconcile.ChangeRecord) {
	cancellations := make(map[string][]reconcile.ChangeRecord)
	grouped := make(map[string][]reconcile.ChangeRecord)
	orphaned := make(map[string][]reconcile.ChangeRecord)
	var order []string

	for _, rec := range pending {
		if rec.Handle != "" {
			if _, ok := run.row(rec.Handle); !ok {
				orphaned[rec.Handle] = append(orphaned[rec.Handle], rec)
				continue
			}
		}
		if a.cancels(run, rec) {
			if _, seen := cancellations[rec.Handle]; !seen {
				order = append(order, rec.Handle)
			}
			cancellations[rec.Handle] = append(cancellations[rec.Handle], rec)
			continue
		}
		group, ok := a.groups[rec.Field]
		if !ok {
			orphaned[rec.Handle] = append(orphaned[rec.Handle], rec)
			continue
		}
		grouped[group.name] = append(grouped[group.name], rec)
	}
	// a handle being cancelled absorbs any other record aimed at it
	for name, records := range grouped {
		kept := records[:0]
		for _, rec := range records {
			if _, cancelled := cancellations[rec.Handle]; cancelled && rec.Handle != "" {
				cancellations[rec.Handle] = append(cancellations[rec.Handle], rec)
				continue
			}
			kept = append(kept, rec)
		}
		grouped[name] = kept
	}
	return cancellations, order, grouped, orphaned
}

func (a *Applier) cancels(run *sectionRun, rec reconcile.ChangeRecord) bool {
	switch rec.Field {
	case reconcile.FieldNotScheduled, reconcile.FieldRoomNotEligible, reconcile.FieldMeetingRemoved:
		return true
	case reconcile.FieldMeetingUpdated:
		row, _ := run.row(rec.Handle)
		delta, ok := rec.New.(reconcile.MeetingDelta)
		return ok && !delta.Apply(row.Summary()).Recordable()
	}
	return false
}

func (a *Applier) cancelSchedule(ctx context.Context, run *sectionRun, handle string, records []reconcile.ChangeRecord) (groupEffect, error) {
	row, _ := run.row(handle)
	kind := notify.KindNoLongerScheduled
	for _, rec := range records {
		if rec.Field == reconcile.FieldRoomNotEligible {
			kind = notify.KindRoomNoLongerEligible
		}
	}
	if err := a.requireTemplates(kind); err != nil {
		return groupEffect{}, err
	}

	snap := run.snapshots[handle]
	gone := errors.Is(snap.err, scheduler.ErrEventNotFound)
	if snap.err != nil && !gone {
		return groupEffect{}, externalError(scheduler.OpGetEvent, handle, snap.err)
	}
	if !gone {
		if !snap.event.Cancelled {
			if err := a.client.Cancel(ctx, handle); err != nil && !errors.Is(err, scheduler.ErrEventNotFound) {
				return groupEffect{}, externalError(scheduler.OpCancel, handle, err)
			}
		}
		if err := a.client.Delete(ctx, handle); err != nil && !errors.Is(err, scheduler.ErrEventNotFound) {
			return groupEffect{}, externalError(scheduler.OpDelete, handle, err)
		}
	}

	return groupEffect{
		deleted:       []reconcile.ScheduledRecording{row},
		notifications: []notify.Notification{a.notification(run, kind, handle, row.InstructorUIDs.Union(row.CollaboratorUIDs), nil)},
	}, nil
}

func (a *Applier) applyACL(ctx context.Context, run *sectionRun, records []reconcile.ChangeRecord) (groupEffect, error) {
	var instructors, collaborators reconcile.UIDSet
	var setInstructors, setCollaborators bool
	for _, rec := range records {
		uids, _ := rec.New.(reconcile.UIDSet)
		switch rec.Field {
		case reconcile.FieldInstructorUIDs:
			instructors, setInstructors = uids, true
		case reconcile.FieldCollaboratorUIDs:
			collaborators, setCollaborators = uids, true
		}
	}
	if len(run.rows) == 0 {
		return groupEffect{}, run.noActiveSchedule()
	}

	var removed []string
	if setInstructors {
		var current reconcile.UIDSet
		for _, row := range run.rows {
			current = current.Union(row.InstructorUIDs)
		}
		_, removed = current.Diff(instructors)
	}
	var kinds []notify.Kind
	if len(removed) > 0 {
		kinds = append(kinds, notify.KindInstructorRemoved)
	}
	if setCollaborators {
		kinds = append(kinds, notify.KindChangesConfirmed)
	}
	if err := a.requireTemplates(kinds...); err != nil {
		return groupEffect{}, err
	}
	if err := run.requireSnapshots(); err != nil {
		return groupEffect{}, err
	}

	var effect groupEffect
	for _, row := range run.rows {
		if setInstructors {
			row.InstructorUIDs = instructors
		}
		if setCollaborators {
			row.CollaboratorUIDs = collaborators
		}
		if err := a.client.UpdateACL(ctx, row.Handle, row.InstructorUIDs, row.CollaboratorUIDs); err != nil {
			return groupEffect{}, externalError(scheduler.OpUpdateACL, row.Handle, err)
		}
		effect.updated = append(effect.updated, row)
	}
	for _, uid := range removed {
		effect.notifications = append(effect.notifications,
			a.notification(run, notify.KindInstructorRemoved, "", []string{uid}, map[string]string{"uid": uid}))
	}
	if setCollaborators {
		effect.notifications = append(effect.notifications,
			a.notification(run, notify.KindChangesConfirmed, "", run.course.InstructorUIDs(), nil))
	}
	return effect, nil
}

func (a *Applier) applyPublish(ctx context.Context, run *sectionRun, records []reconcile.ChangeRecord) (groupEffect, error) {
	var publish reconcile.PublishType
	var recording reconcile.RecordingType
	for _, rec := range records {
		switch v := rec.New.(type) {
		case reconcile.PublishType:
			publish = v
		case reconcile.RecordingType:
			recording = v
		}
	}
	if len(run.rows) == 0 {
		return groupEffect{}, run.noActiveSchedule()
	}
	if err := a.requireTemplates(notify.KindChangesConfirmed); err != nil {
		return groupEffect{}, err
	}
	if err := run.requireSnapshots(); err != nil {
		return groupEffect{}, err
	}

	var effect groupEffect
	for _, row := range run.rows {
		if publish != "" {
			if err := a.client.UpdateCategories(ctx, row.Handle, categories(run.course, publish)); err != nil {
				return groupEffect{}, externalError(scheduler.OpUpdateCategories, row.Handle, err)
			}
			row.PublishType = publish
		}
		if recording != "" {
			if err := a.client.UpdateRecordingType(ctx, row.Handle, string(recording)); err != nil {
				return groupEffect{}, externalError(scheduler.OpUpdateRecordingType, row.Handle, err)
			}
			row.RecordingType = recording
		}
		effect.updated = append(effect.updated, row)
	}
	effect.notifications = append(effect.notifications,
		a.notification(run, notify.KindChangesConfirmed, "", run.course.InstructorUIDs(), nil))
	return effect, nil
}

func (a *Applier) applyMeeting(ctx context.Context, run *sectionRun, records []reconcile.ChangeRecord) (groupEffect, error) {
	if err := a.requireTemplates(notify.KindScheduleChange); err != nil {
		return groupEffect{}, err
	}
	// resolve every room before the first vendor call
	for _, rec := range records {
		var room string
		switch v := rec.New.(type) {
		case reconcile.MeetingSummary:
			room = v.Room
		case reconcile.MeetingDelta:
			if v.Room == nil {
				continue
			}
			room = *v.Room
		}
		if _, err := a.resource(room); err != nil {
			return groupEffect{}, err
		}
	}
	for _, rec := range records {
		if rec.Handle == "" {
			continue
		}
		if err := run.requireSnapshot(rec.Handle); err != nil {
			return groupEffect{}, err
		}
	}

	var effect groupEffect
	updated := make(map[string]reconcile.ScheduledRecording)
	var order []string
	changed := false
	for _, rec := range records {
		switch v := rec.New.(type) {
		case reconcile.MeetingDelta:
			row, ok := updated[rec.Handle]
			if !ok {
				row, _ = run.row(rec.Handle)
				order = append(order, rec.Handle)
			}
			var err error
			if row, err = a.updateMeeting(ctx, run, row, v); err != nil {
				return groupEffect{}, err
			}
			updated[rec.Handle] = row
			changed = true
		case reconcile.MeetingSummary:
			row, ok, err := a.createMeeting(ctx, run, v)
			if err != nil {
				a.compensate(ctx, effect.created)
				return groupEffect{}, err
			}
			if ok {
				effect.created = append(effect.created, row)
				changed = true
			}
		}
	}
	for _, handle := range order {
		effect.updated = append(effect.updated, updated[handle])
	}
	if changed {
		effect.notifications = append(effect.notifications,
			a.notification(run, notify.KindScheduleChange, "", run.course.InstructorUIDs(), nil))
	}
	return effect, nil
}

func (a *Applier) updateMeeting(ctx context.Context, run *sectionRun, row reconcile.ScheduledRecording, delta reconcile.MeetingDelta) (reconcile.ScheduledRecording, error) {
	timing := scheduler.Timing{
		Days:      delta.Days,
		StartTime: delta.StartTime,
		EndTime:   delta.EndTime,
		StartDate: delta.StartDate,
		EndDate:   delta.EndDate,
	}
	if delta.Room != nil {
		resource, err := a.resource(*delta.Room)
		if err != nil {
			return row, err
		}
		timing.ResourceID = &resource
	}
	if !timing.IsEmpty() {
		if err := a.client.UpdateTimeOrRoom(ctx, row.Handle, timing); err != nil {
			return row, externalError(scheduler.OpUpdateTimeOrRoom, row.Handle, err)
		}
	}
	if delta.ChangesTimeOrRoom() && row.PublishType.SiteWide() {
		if err := a.client.UpdateCategories(ctx, row.Handle, categories(run.course, row.PublishType)); err != nil {
			return row, externalError(scheduler.OpUpdateCategories, row.Handle, err)
		}
	}
	return row.WithSummary(delta.Apply(row.Summary())), nil
}

// createMeeting schedules an added meeting. It reports false when the meeting
// has no recordable dates left.
func (a *Applier) createMeeting(ctx context.Context, run *sectionRun, summary reconcile.MeetingSummary) (reconcile.ScheduledRecording, bool, error) {
	summary = summary.StartingFrom(a.now())
	if !summary.Recordable() {
		return reconcile.ScheduledRecording{}, false, nil
	}
	row := reconcile.ScheduledRecording{
		TermID:           run.course.TermID,
		SectionID:        run.course.SectionID,
		InstructorUIDs:   run.course.InstructorUIDs(),
		CollaboratorUIDs: run.course.CollaboratorUIDs(),
		PublishType:      defaultPublishType,
		RecordingType:    defaultRecordingType,
	}
	if len(run.rows) > 0 {
		ref := run.rows[0]
		row.InstructorUIDs = ref.InstructorUIDs
		row.CollaboratorUIDs = ref.CollaboratorUIDs
		row.PublishType = ref.PublishType
		row.RecordingType = ref.RecordingType
	}
	row = row.WithSummary(summary)
	return a.create(ctx, run.course, row)
}

// create registers row with the external scheduler and returns it with its
// handle, id and timestamps filled in.
func (a *Applier) create(ctx context.Context, course reconcile.Course, row reconcile.ScheduledRecording) (reconcile.ScheduledRecording, bool, error) {
	resource, err := a.resource(row.Room)
	if err != nil {
		return row, false, err
	}
	handle, err := a.client.CreateRecurringSchedule(ctx, scheduler.ScheduleRequest{
		TermID:           course.TermID,
		SectionID:        course.SectionID,
		Title:            course.Title,
		ResourceID:       resource,
		Days:             row.Days,
		StartTime:        row.StartTime,
		EndTime:          row.EndTime,
		StartDate:        row.StartDate,
		EndDate:          row.EndDate,
		InstructorUIDs:   row.InstructorUIDs,
		CollaboratorUIDs: row.CollaboratorUIDs,
		Categories:       categories(course, row.PublishType),
		RecordingType:    string(row.RecordingType),
	})
	if err != nil {
		return row, false, externalError(scheduler.OpCreate, "", err)
	}
	now := a.now()
	row.ID = a.idGenerator()
	row.Handle = handle
	row.CreatedAt = now
	row.UpdatedAt = now
	return row, true, nil
}

// ScheduleInitial creates the first recording of a course that reached quorum.
// It reports false when the meeting has no recordable dates left.
func (a *Applier) ScheduleInitial(ctx context.Context, term reconcile.Term, course reconcile.Course, quorum reconcile.QuorumResult, prefs *reconcile.Preferences) (reconcile.ScheduledRecording, bool, error) {
	logger := serviceLogger(ctx, a.logger, "Applier", "ScheduleInitial",
		"term_id", course.TermID, "section_id", course.SectionID)
	if !quorum.Ready || quorum.Meeting == nil {
		return reconcile.ScheduledRecording{}, false, nil
	}

	summary := term.Summary(*quorum.Meeting).StartingFrom(a.now())
	if !summary.Recordable() {
		logger.InfoContext(ctx, "recording window already closed; nothing to schedule")
		return reconcile.ScheduledRecording{}, false, nil
	}

	row := reconcile.ScheduledRecording{
		TermID:           course.TermID,
		SectionID:        course.SectionID,
		InstructorUIDs:   course.InstructorUIDs(),
		CollaboratorUIDs: course.CollaboratorUIDs(),
		PublishType:      choosePublish(quorum.Latest, prefs),
		RecordingType:    chooseRecording(quorum.Latest, prefs),
	}.WithSummary(summary)

	fail := func(err error) (reconcile.ScheduledRecording, bool, error) {
		logger.ErrorContext(ctx, "initial scheduling failed", "error", err, "error_kind", ErrorKind(err))
		return reconcile.ScheduledRecording{}, false, err
	}
	if err := a.requireTemplates(notify.KindScheduleChange); err != nil {
		return fail(err)
	}
	row, _, err := a.create(ctx, course, row)
	if err != nil {
		return fail(err)
	}
	if err := a.store.CreateScheduledRecording(ctx, row); err != nil {
		a.compensate(ctx, []reconcile.ScheduledRecording{row})
		return fail(fmt.Errorf("store scheduled recording: %w", err))
	}

	run := &sectionRun{term: term, course: course}
	a.sendNotifications(ctx, []notify.Notification{
		a.notification(run, notify.KindScheduleChange, row.Handle, row.InstructorUIDs, map[string]string{"event": "scheduled"}),
	})
	logger.InfoContext(ctx, "course scheduled", "handle", row.Handle, "room", row.Room)
	return row, true, nil
}

func choosePublish(latest *reconcile.Approval, prefs *reconcile.Preferences) reconcile.PublishType {
	if latest != nil && latest.PublishType.Valid() {
		return latest.PublishType
	}
	if prefs != nil && prefs.PublishType.Valid() {
		return prefs.PublishType
	}
	return defaultPublishType
}

func chooseRecording(latest *reconcile.Approval, prefs *reconcile.Preferences) reconcile.RecordingType {
	if latest != nil && latest.RecordingType.Valid() {
		return latest.RecordingType
	}
	if prefs != nil && prefs.RecordingType.Valid() {
		return prefs.RecordingType
	}
	return defaultRecordingType
}

// finish commits a successful group or records its failure.
func (a *Applier) finish(ctx context.Context, run *sectionRun, group string, records []reconcile.ChangeRecord, effect groupEffect, err error) {
	if err == nil {
		err = a.commit(ctx, records, effect)
		if err != nil {
			a.compensate(ctx, effect.created)
		}
	}
	if err != nil {
		a.fail(ctx, run, group, records, err)
		return
	}

	run.apply(effect)
	run.result.Succeeded += len(records)
	for _, row := range effect.created {
		run.result.Created = append(run.result.Created, row.Handle)
	}
	for _, row := range effect.deleted {
		run.result.Cancelled = append(run.result.Cancelled, row.Handle)
	}
	for _, rec := range records {
		metrics.ChangeResolved(string(rec.Field), string(reconcile.StatusSucceeded))
	}
	for _, n := range effect.notifications {
		run.addNotification(n)
	}
}

// commit persists the projection changes and resolves records in one transaction.
func (a *Applier) commit(ctx context.Context, records []reconcile.ChangeRecord, effect groupEffect) error {
	now := a.now()
	return a.store.WithinTx(ctx, func(tx persistence.Repositories) error {
		for _, row := range effect.deleted {
			if err := tx.SoftDeleteScheduledRecording(ctx, row.ID, now); err != nil {
				return fmt.Errorf("soft-delete %s: %w", row.Handle, err)
			}
		}
		for _, row := range effect.updated {
			row.UpdatedAt = now
			if err := tx.UpdateScheduledRecording(ctx, row); err != nil {
				return fmt.Errorf("update %s: %w", row.Handle, err)
			}
		}
		for _, row := range effect.created {
			if err := tx.CreateScheduledRecording(ctx, row); err != nil {
				return fmt.Errorf("create %s: %w", row.Handle, err)
			}
		}
		queue := a.queue.WithRepository(tx)
		for _, rec := range records {
			if err := queue.MarkSucceeded(ctx, rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// compensate removes schedules created by a group that could not be persisted.
func (a *Applier) compensate(ctx context.Context, created []reconcile.ScheduledRecording) {
	for _, row := range created {
		if err := a.client.Delete(ctx, row.Handle); err != nil {
			serviceLogger(ctx, a.logger, "Applier", "compensate", "handle", row.Handle).
				ErrorContext(ctx, "failed to remove unpersisted schedule", "error", err, "error_kind", ErrorKind(err))
		}
	}
}

func (a *Applier) fail(ctx context.Context, run *sectionRun, group string, records []reconcile.ChangeRecord, cause error) {
	logger := serviceLogger(ctx, a.logger, "Applier", "fail",
		"term_id", run.course.TermID, "section_id", run.course.SectionID, "group", group)
	logger.WarnContext(ctx, "field group failed", "error", cause, "error_kind", ErrorKind(cause), "records", len(records))

	for _, rec := range records {
		if err := ignoreResolved(a.queue.MarkErrored(ctx, rec.ID, cause.Error())); err != nil {
			logger.ErrorContext(ctx, "failed to mark change errored", "change_id", rec.ID, "error", err)
			continue
		}
		run.result.Errored++
		metrics.ChangeResolved(string(rec.Field), string(reconcile.StatusErrored))
	}
	run.result.FailedGroups = append(run.result.FailedGroups, group)

	var handle string
	if len(records) > 0 {
		handle = records[0].Handle
	}
	if a.alerter.Raise(ctx, Alert{TermID: run.course.TermID, SectionID: run.course.SectionID, Handle: handle, Group: group, Err: cause}) {
		run.result.Alerts++
	}
}

func (a *Applier) sendNotifications(ctx context.Context, notifications []notify.Notification) {
	for _, n := range notifications {
		if err := a.notifier.Notify(ctx, n); err != nil {
			serviceLogger(ctx, a.logger, "Applier", "notify", "kind", string(n.Kind)).
				WarnContext(ctx, "failed to send notification", "error", err)
		}
	}
}

func (a *Applier) notification(run *sectionRun, kind notify.Kind, handle string, recipients []string, details map[string]string) notify.Notification {
	return notify.Notification{
		Kind:       kind,
		TermID:     run.course.TermID,
		SectionID:  run.course.SectionID,
		Handle:     handle,
		Recipients: slices.Clone(recipients),
		Details:    details,
		CreatedAt:  a.now(),
	}
}

func (a *Applier) requireTemplates(kinds ...notify.Kind) error {
	for _, kind := range kinds {
		if a.notifier == nil || !a.notifier.HasTemplate(kind) {
			return &ConfigurationError{Setting: "notification template", Value: string(kind), Err: notify.ErrUnknownTemplate}
		}
	}
	return nil
}

func (a *Applier) resource(room string) (string, error) {
	resource, ok := a.rooms[room]
	if !ok || resource == "" {
		return "", &ConfigurationError{Setting: "room mapping", Value: room}
	}
	return resource, nil
}

// categories returns the course sites a recording is linked into.
func categories(course reconcile.Course, publish reconcile.PublishType) []string {
	if !publish.SiteWide() {
		return []string{}
	}
	sites := slices.Clone(course.SiteIDs)
	slices.Sort(sites)
	return slices.Compact(sites)
}

func (r *sectionRun) row(handle string) (reconcile.ScheduledRecording, bool) {
	for _, row := range r.rows {
		if row.Handle == handle {
			return row, true
		}
	}
	return reconcile.ScheduledRecording{}, false
}

func (r *sectionRun) requireSnapshot(handle string) error {
	snap, ok := r.snapshots[handle]
	if !ok || snap.err == nil {
		return nil
	}
	if errors.Is(snap.err, scheduler.ErrEventNotFound) {
		return &DataIntegrityError{
			TermID:    r.course.TermID,
			SectionID: r.course.SectionID,
			Handle:    handle,
			Reason:    "schedule missing from external scheduler",
			Err:       snap.err,
		}
	}
	return externalError(scheduler.OpGetEvent, handle, snap.err)
}

func (r *sectionRun) requireSnapshots() error {
	for _, row := range r.rows {
		if err := r.requireSnapshot(row.Handle); err != nil {
			return err
		}
	}
	return nil
}

func (r *sectionRun) noActiveSchedule() error {
	return &DataIntegrityError{
		TermID:    r.course.TermID,
		SectionID: r.course.SectionID,
		Reason:    "no active schedule to update",
	}
}

// apply mirrors a committed effect in the in-memory rows.
func (r *sectionRun) apply(effect groupEffect) {
	for _, deleted := range effect.deleted {
		r.rows = slices.DeleteFunc(r.rows, func(row reconcile.ScheduledRecording) bool {
			return row.ID == deleted.ID
		})
	}
	for _, updated := range effect.updated {
		for i := range r.rows {
			if r.rows[i].ID == updated.ID {
				r.rows[i] = updated
			}
		}
	}
	r.rows = append(r.rows, effect.created...)
}

// addNotification queues n, keeping at most one schedule change and one
// confirmation per section.
func (r *sectionRun) addNotification(n notify.Notification) {
	if n.Kind == notify.KindScheduleChange || n.Kind == notify.KindChangesConfirmed {
		for _, queued := range r.notifications {
			if queued.Kind == n.Kind {
				return
			}
		}
	}
	r.notifications = append(r.notifications, n)
}
