package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDays indicates a day-of-week code could not be parsed.
var ErrInvalidDays = errors.New("recurrence: invalid day codes")

// ErrInvalidTimeOfDay indicates a clock time could not be parsed.
var ErrInvalidTimeOfDay = errors.New("recurrence: invalid time of day")

// DaySet is the set of weekdays on which a meeting pattern recurs.
type DaySet uint8

// dayOrder is the canonical Monday-first ordering used by String.
var dayOrder = []struct {
	code string
	day  time.Weekday
}{
	{"MO", time.Monday},
	{"TU", time.Tuesday},
	{"WE", time.Wednesday},
	{"TH", time.Thursday},
	{"FR", time.Friday},
	{"SA", time.Saturday},
	{"SU", time.Sunday},
}

// NewDaySet builds a DaySet from weekdays.
func NewDaySet(days ...time.Weekday) DaySet {
	var set DaySet
	for _, day := range days {
		if day < time.Sunday || day > time.Saturday {
			continue
		}
		set |= 1 << uint(day)
	}
	return set
}

// ParseDays parses concatenated two-letter day codes such as "MOWE" or "TuTh".
func ParseDays(value string) (DaySet, error) {
	value = strings.ToUpper(strings.TrimSpace(value))
	if value == "" {
		return 0, nil
	}
	if len(value)%2 != 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDays, value)
	}
	var set DaySet
	for i := 0; i < len(value); i += 2 {
		code := value[i : i+2]
		found := false
		for _, entry := range dayOrder {
			if entry.code == code {
				set |= 1 << uint(entry.day)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown code %q in %q", ErrInvalidDays, code, value)
		}
	}
	return set, nil
}

// Has reports whether day belongs to the set.
func (d DaySet) Has(day time.Weekday) bool {
	return d&(1<<uint(day)) != 0
}

// IsEmpty reports whether no weekday is selected.
func (d DaySet) IsEmpty() bool {
	return d == 0
}

// Weekdays returns the selected weekdays in Monday-first order.
func (d DaySet) Weekdays() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for _, entry := range dayOrder {
		if d.Has(entry.day) {
			days = append(days, entry.day)
		}
	}
	return days
}

// String renders the canonical code form, e.g. "MOWE".
func (d DaySet) String() string {
	var b strings.Builder
	for _, entry := range dayOrder {
		if d.Has(entry.day) {
			b.WriteString(entry.code)
		}
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (d DaySet) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DaySet) UnmarshalText(text []byte) error {
	parsed, err := ParseDays(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TimeOfDay is a wall-clock time expressed as minutes after midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from an hour and minute.
func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses "HH:MM" (24-hour clock).
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	hourPart, minutePart, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, value)
	}
	return NewTimeOfDay(hour, minute), nil
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

// String renders "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// On combines the time of day with the calendar date of day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
