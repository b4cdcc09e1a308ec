package testfixtures

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/capture-scheduler/internal/application"
	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/persistence/memory"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/scheduler"
)

// Rooms is the room mapping used by harnesses.
func Rooms() map[string]string {
	return map[string]string{
		"HUM-101": "agent-hum-101",
		"HUM-202": "agent-hum-202",
		"SCI-300": "agent-sci-300",
	}
}

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
	Logger      *slog.Logger
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("chg"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithLogger overrides the logger handed to services.
func WithLogger(logger *slog.Logger) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Logger = logger
	}
}

// NewChangeQueue builds a queue over changes.
func (f *ServiceFactory) NewChangeQueue(changes persistence.ChangeRecordRepository) *application.ChangeQueue {
	return application.NewChangeQueue(changes, f.IDGenerator.NextFunc(), f.Clock.NowFunc(), f.Logger)
}

// StaticRegistry is an in-memory application.Registry.
type StaticRegistry struct {
	mu      sync.Mutex
	courses map[string][]reconcile.Course
	err     error
}

var _ application.Registry = (*StaticRegistry)(nil)

// NewStaticRegistry returns an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{courses: make(map[string][]reconcile.Course)}
}

// Set replaces the courses of the fixture term.
func (r *StaticRegistry) Set(courses ...reconcile.Course) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.courses[TermID] = courses
}

// Fail makes CourseChanges return err until cleared with nil.
func (r *StaticRegistry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// CourseChanges implements application.Registry.
func (r *StaticRegistry) CourseChanges(_ context.Context, termID string) ([]reconcile.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]reconcile.Course(nil), r.courses[termID]...), nil
}

// Harness wires a complete reconciler against in-process fakes.
type Harness struct {
	Factory    *ServiceFactory
	Clock      *Clock
	Store      persistence.Store
	Scheduler  *scheduler.Fake
	Notifier   *notify.Recorder
	Registry   *StaticRegistry
	Queue      *application.ChangeQueue
	Alerter    *application.Alerter
	Applier    *application.Applier
	Reconciler *application.Reconciler
}

// HarnessOption configures NewHarness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	store       persistence.Store
	rooms       map[string]string
	notifier    *notify.Recorder
	alertWindow time.Duration
}

// WithStore runs the harness against store instead of a memory store.
func WithStore(store persistence.Store) HarnessOption {
	return func(c *harnessConfig) {
		c.store = store
	}
}

// WithRooms overrides the room mapping.
func WithRooms(rooms map[string]string) HarnessOption {
	return func(c *harnessConfig) {
		c.rooms = rooms
	}
}

// WithNotifier overrides the recording notifier.
func WithNotifier(notifier *notify.Recorder) HarnessOption {
	return func(c *harnessConfig) {
		c.notifier = notifier
	}
}

// WithAlertWindow throttles repeated alerts for d.
func WithAlertWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.alertWindow = d
	}
}

// NewHarness builds a reconciler for the fixture term backed by a memory
// store, the fake scheduler and a recording notifier.
func NewHarness(tb testing.TB, opts ...HarnessOption) *Harness {
	tb.Helper()

	cfg := harnessConfig{rooms: Rooms(), notifier: notify.NewRecorder()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		store, err := memory.Open()
		if err != nil {
			tb.Fatalf("failed to open memory store: %v", err)
		}
		tb.Cleanup(func() { _ = store.Close() })
		cfg.store = store
	}

	factory := NewServiceFactory()
	now := factory.Clock.NowFunc()
	h := &Harness{
		Factory:   factory,
		Clock:     factory.Clock,
		Store:     cfg.store,
		Scheduler: scheduler.NewFake(),
		Notifier:  cfg.notifier,
		Registry:  NewStaticRegistry(),
	}
	h.Queue = factory.NewChangeQueue(cfg.store)
	h.Alerter = application.NewAlerter(h.Notifier, cfg.alertWindow, now, factory.Logger)
	h.Applier = application.NewApplier(application.ApplierDeps{
		Store:       cfg.store,
		Queue:       h.Queue,
		Scheduler:   h.Scheduler,
		Notifier:    h.Notifier,
		Alerter:     h.Alerter,
		Rooms:       cfg.rooms,
		IDGenerator: NewIDGenerator("row").NextFunc(),
		Now:         now,
		Logger:      factory.Logger,
	})
	h.Reconciler = application.NewReconciler(application.ReconcilerDeps{
		Store:         cfg.store,
		Registry:      h.Registry,
		Queue:         h.Queue,
		CrossListings: application.NewCrossListingService(cfg.store, cfg.store, factory.Logger),
		Quorum:        application.NewQuorumService(cfg.store, now, factory.Logger),
		Applier:       h.Applier,
		Alerter:       h.Alerter,
		Terms:         []reconcile.Term{Term()},
		Now:           now,
		Logger:        factory.Logger,
	})
	return h
}

// Schedule stores a projection row for meeting of course and the matching
// event in the fake scheduler.
func (h *Harness) Schedule(tb testing.TB, course reconcile.Course, meeting reconcile.MeetingPattern, handle string) reconcile.ScheduledRecording {
	tb.Helper()
	row := RecordingFor(course, meeting, handle)
	if err := h.Store.CreateScheduledRecording(context.Background(), row); err != nil {
		tb.Fatalf("failed to store scheduled recording: %v", err)
	}
	h.Scheduler.Seed(scheduler.Event{
		Handle:           handle,
		ResourceID:       Rooms()[row.Room],
		Days:             row.Days,
		StartTime:        row.StartTime,
		EndTime:          row.EndTime,
		StartDate:        row.StartDate,
		EndDate:          row.EndDate,
		InstructorUIDs:   row.InstructorUIDs,
		CollaboratorUIDs: row.CollaboratorUIDs,
		Categories:       course.SiteIDs,
		RecordingType:    string(row.RecordingType),
	})
	return row
}

// Run executes one pass over the fixture term.
func (h *Harness) Run(tb testing.TB) application.PassReport {
	tb.Helper()
	report, err := h.Reconciler.Run(context.Background(), TermID)
	if err != nil {
		tb.Fatalf("reconciliation pass failed: %v", err)
	}
	return report
}

// Changes returns every change record of a section in insertion order.
func (h *Harness) Changes(tb testing.TB, sectionID string) []reconcile.ChangeRecord {
	tb.Helper()
	records, err := h.Store.ListChangeRecords(context.Background(), persistence.ChangeFilter{TermID: TermID, SectionID: sectionID})
	if err != nil {
		tb.Fatalf("failed to list change records: %v", err)
	}
	return records
}

// Recordings returns the active projection rows of a section.
func (h *Harness) Recordings(tb testing.TB, sectionID string) []reconcile.ScheduledRecording {
	tb.Helper()
	rows, err := h.Store.ListScheduledRecordings(context.Background(), persistence.RecordingFilter{TermID: TermID, SectionID: sectionID})
	if err != nil {
		tb.Fatalf("failed to list scheduled recordings: %v", err)
	}
	return rows
}
