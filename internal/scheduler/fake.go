package scheduler

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Call records one request received by Fake.
type Call struct {
	Op     string
	Handle string
}

// Fake is an in-memory Client for tests and local runs.
type Fake struct {
	mu       sync.Mutex
	events   map[string]Event
	calls    []Call
	failures map[Call]error
	newID    func() string
}

var _ Client = (*Fake)(nil)

// NewFake returns an empty fake scheduler.
func NewFake() *Fake {
	return &Fake{
		events:   make(map[string]Event),
		failures: make(map[Call]error),
		newID:    uuid.NewString,
	}
}

// Seed stores event as if it had been created earlier.
func (f *Fake) Seed(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[event.Handle] = cloneEvent(event)
}

// FailOn makes every op call for handle return err. An empty handle matches
// any handle. A nil err clears the failure.
func (f *Fake) FailOn(op, handle string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := Call{Op: op, Handle: handle}
	if err == nil {
		delete(f.failures, key)
		return
	}
	f.failures[key] = err
}

// Event returns the stored event for handle.
func (f *Fake) Event(handle string) (Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[handle]
	return cloneEvent(event), ok
}

// Calls returns every request received so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many times op was requested.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// begin records the call and returns the configured failure, if any.
// Callers hold f.mu.
func (f *Fake) begin(ctx context.Context, op, handle string) error {
	f.calls = append(f.calls, Call{Op: op, Handle: handle})
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := f.failures[Call{Op: op, Handle: handle}]; ok {
		return err
	}
	if err, ok := f.failures[Call{Op: op}]; ok {
		return err
	}
	return nil
}

func (f *Fake) lookup(op, handle string) (Event, error) {
	event, ok := f.events[handle]
	if !ok {
		return Event{}, &StatusError{Op: op, Handle: handle, StatusCode: 404, Message: "no such schedule"}
	}
	return event, nil
}

func (f *Fake) CreateRecurringSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpCreate, ""); err != nil {
		return "", err
	}
	handle := f.newID()
	f.events[handle] = Event{
		Handle:           handle,
		ResourceID:       req.ResourceID,
		Days:             req.Days,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		InstructorUIDs:   slices.Clone(req.InstructorUIDs),
		CollaboratorUIDs: slices.Clone(req.CollaboratorUIDs),
		Categories:       slices.Clone(req.Categories),
		RecordingType:    req.RecordingType,
	}
	f.calls[len(f.calls)-1].Handle = handle
	return handle, nil
}

func (f *Fake) GetEvent(ctx context.Context, handle string) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpGetEvent, handle); err != nil {
		return Event{}, err
	}
	event, err := f.lookup(OpGetEvent, handle)
	return cloneEvent(event), err
}

func (f *Fake) UpdateACL(ctx context.Context, handle string, instructors, collaborators []string) error {
	return f.mutate(ctx, OpUpdateACL, handle, func(e *Event) {
		e.InstructorUIDs = slices.Clone(instructors)
		e.CollaboratorUIDs = slices.Clone(collaborators)
	})
}

func (f *Fake) UpdateTimeOrRoom(ctx context.Context, handle string, timing Timing) error {
	return f.mutate(ctx, OpUpdateTimeOrRoom, handle, func(e *Event) {
		if timing.ResourceID != nil {
			e.ResourceID = *timing.ResourceID
		}
		if timing.Days != nil {
			e.Days = *timing.Days
		}
		if timing.StartTime != nil {
			e.StartTime = *timing.StartTime
		}
		if timing.EndTime != nil {
			e.EndTime = *timing.EndTime
		}
		if timing.StartDate != nil {
			e.StartDate = *timing.StartDate
		}
		if timing.EndDate != nil {
			e.EndDate = *timing.EndDate
		}
	})
}

func (f *Fake) UpdateCategories(ctx context.Context, handle string, categories []string) error {
	return f.mutate(ctx, OpUpdateCategories, handle, func(e *Event) {
		e.Categories = slices.Clone(categories)
	})
}

func (f *Fake) UpdateRecordingType(ctx context.Context, handle string, recordingType string) error {
	return f.mutate(ctx, OpUpdateRecordingType, handle, func(e *Event) {
		e.RecordingType = recordingType
	})
}

func (f *Fake) Cancel(ctx context.Context, handle string) error {
	return f.mutate(ctx, OpCancel, handle, func(e *Event) {
		e.Cancelled = true
	})
}

func (f *Fake) Delete(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, OpDelete, handle); err != nil {
		return err
	}
	if _, err := f.lookup(OpDelete, handle); err != nil {
		return err
	}
	delete(f.events, handle)
	return nil
}

func (f *Fake) mutate(ctx context.Context, op, handle string, apply func(e *Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, op, handle); err != nil {
		return err
	}
	event, err := f.lookup(op, handle)
	if err != nil {
		return err
	}
	apply(&event)
	f.events[handle] = event
	return nil
}

func cloneEvent(event Event) Event {
	event.InstructorUIDs = slices.Clone(event.InstructorUIDs)
	event.CollaboratorUIDs = slices.Clone(event.CollaboratorUIDs)
	event.Categories = slices.Clone(event.Categories)
	return event
}
