package recurrence

import (
	"errors"
	"time"
)

// Pattern describes a weekly meeting pattern bounded by calendar dates.
type Pattern struct {
	Days      DaySet
	StartTime TimeOfDay
	EndTime   TimeOfDay
	StartsOn  time.Time
	EndsOn    time.Time
}

// Window is an inclusive range of calendar dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window contains no dates.
func (w Window) Empty() bool {
	if w.Start.IsZero() || w.End.IsZero() {
		return true
	}
	return DateOf(w.End).Before(DateOf(w.Start))
}

// Clamp narrows w to the bounds of other. Zero bounds on other are ignored.
func (w Window) Clamp(other Window) Window {
	out := Window{Start: DateOf(w.Start), End: DateOf(w.End)}
	if !other.Start.IsZero() && DateOf(other.Start).After(out.Start) {
		out.Start = DateOf(other.Start)
	}
	if !other.End.IsZero() && (out.End.IsZero() || DateOf(other.End).Before(out.End)) {
		out.End = DateOf(other.End)
	}
	return out
}

// GenerateOptions defines optional range bounds for occurrence generation.
type GenerateOptions struct {
	RangeStart *time.Time
	RangeEnd   *time.Time
}

// Occurrence represents a single generated meeting instance.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Engine expands meeting patterns into occurrences.
type Engine struct {
	location *time.Location
}

// NewEngine constructs an Engine that places occurrences in loc.
// If loc is nil, UTC is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc}
}

// ErrNoDays indicates the pattern selects no weekday.
var ErrNoDays = errors.New("recurrence: pattern has no meeting days")

// ErrInvalidWindow indicates the generation window is unbounded.
var ErrInvalidWindow = errors.New("recurrence: generation window requires an end bound")

// ErrInvalidDuration indicates the pattern's end time is not after its start time.
var ErrInvalidDuration = errors.New("recurrence: meeting duration must be positive")

// GenerateOccurrences produces occurrences of p within the configured window.
//
// The generation window is the intersection of the pattern's own date bounds and
// the optional range. Occurrences are produced in chronological order.
func (e *Engine) GenerateOccurrences(p Pattern, opts GenerateOptions) ([]Occurrence, error) {
	if err := validatePattern(p); err != nil {
		return nil, err
	}
	window := Window{Start: p.StartsOn, End: p.EndsOn}
	var bounds Window
	if opts.RangeStart != nil {
		bounds.Start = *opts.RangeStart
	}
	if opts.RangeEnd != nil {
		bounds.End = *opts.RangeEnd
	}
	window = window.Clamp(bounds)
	if window.End.IsZero() {
		return nil, ErrInvalidWindow
	}
	if window.Empty() {
		return nil, nil
	}

	occurrences := make([]Occurrence, 0)
	for day := window.Start; !day.After(window.End); day = day.AddDate(0, 0, 1) {
		if !p.Days.Has(day.Weekday()) {
			continue
		}
		occurrences = append(occurrences, e.occurrenceOn(p, day))
	}
	return occurrences, nil
}

// FirstOccurrence returns the earliest occurrence of p on or after onOrAfter.
// The boolean is false when the pattern has no remaining occurrence.
func (e *Engine) FirstOccurrence(p Pattern, onOrAfter time.Time) (Occurrence, bool, error) {
	if err := validatePattern(p); err != nil {
		return Occurrence{}, false, err
	}
	window := Window{Start: p.StartsOn, End: p.EndsOn}.Clamp(Window{Start: onOrAfter})
	if window.Empty() {
		return Occurrence{}, false, nil
	}
	for day := window.Start; !day.After(window.End); day = day.AddDate(0, 0, 1) {
		if p.Days.Has(day.Weekday()) {
			return e.occurrenceOn(p, day), true, nil
		}
	}
	return Occurrence{}, false, nil
}

// LastOccurrence returns the latest occurrence of p within its date bounds.
func (e *Engine) LastOccurrence(p Pattern) (Occurrence, bool, error) {
	if err := validatePattern(p); err != nil {
		return Occurrence{}, false, err
	}
	window := Window{Start: p.StartsOn, End: p.EndsOn}
	if window.Empty() {
		return Occurrence{}, false, nil
	}
	for day := DateOf(window.End); !day.Before(DateOf(window.Start)); day = day.AddDate(0, 0, -1) {
		if p.Days.Has(day.Weekday()) {
			return e.occurrenceOn(p, day), true, nil
		}
	}
	return Occurrence{}, false, nil
}

func (e *Engine) occurrenceOn(p Pattern, day time.Time) Occurrence {
	loc := e.location
	if loc == nil {
		loc = time.UTC
	}
	return Occurrence{
		Start: p.StartTime.On(day, loc),
		End:   p.EndTime.On(day, loc),
	}
}

func validatePattern(p Pattern) error {
	if p.Days.IsEmpty() {
		return ErrNoDays
	}
	if p.EndTime <= p.StartTime {
		return ErrInvalidDuration
	}
	return nil
}
