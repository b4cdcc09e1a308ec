package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/example/capture-scheduler/internal/recurrence"
)

const dateLayout = "2006-01-02"

// ErrInvalidValue indicates a ChangeRecord payload does not fit its field kind.
var ErrInvalidValue = errors.New("reconcile: invalid change value")

// ValueType tags each variant of Value.
type ValueType string

const (
	ValueMeetingSummary ValueType = "meeting_summary"
	ValueMeetingDelta   ValueType = "meeting_delta"
	ValueUIDSet         ValueType = "uid_set"
	ValuePublishType    ValueType = "publish_type"
	ValueRecordingType  ValueType = "recording_type"
)

// Value is the typed payload carried in a ChangeRecord's old and new slots.
// Implementations: MeetingSummary, MeetingDelta, UIDSet, PublishType, RecordingType.
type Value interface {
	ValueType() ValueType
}

// MeetingSummary describes a scheduled or schedulable meeting.
type MeetingSummary struct {
	Room      string
	Days      recurrence.DaySet
	StartTime recurrence.TimeOfDay
	EndTime   recurrence.TimeOfDay
	StartDate time.Time
	EndDate   time.Time
}

// ValueType implements Value.
func (MeetingSummary) ValueType() ValueType { return ValueMeetingSummary }

// Window returns the summary's date range.
func (m MeetingSummary) Window() recurrence.Window {
	return recurrence.Window{Start: m.StartDate, End: m.EndDate}
}

// Equal compares summaries by calendar date.
func (m MeetingSummary) Equal(other MeetingSummary) bool {
	return m.Room == other.Room &&
		m.Days == other.Days &&
		m.StartTime == other.StartTime &&
		m.EndTime == other.EndTime &&
		sameDate(m.StartDate, other.StartDate) &&
		sameDate(m.EndDate, other.EndDate)
}

// Pattern converts the summary into a recurrence pattern.
func (m MeetingSummary) Pattern() recurrence.Pattern {
	return recurrence.Pattern{
		Days:      m.Days,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		StartsOn:  m.StartDate,
		EndsOn:    m.EndDate,
	}
}

var occurrences = recurrence.NewEngine(time.UTC)

// StartingFrom moves a start date that already passed to today. A zero today
// leaves m unchanged.
func (m MeetingSummary) StartingFrom(today time.Time) MeetingSummary {
	if today.IsZero() {
		return m
	}
	today = recurrence.DateOf(today)
	if today.After(recurrence.DateOf(m.StartDate)) {
		m.StartDate = today
	}
	return m
}

// Recordable reports whether m still meets at least once inside its window.
// Malformed patterns are left for the scheduler to reject.
func (m MeetingSummary) Recordable() bool {
	w := m.Window()
	if w.Empty() {
		return false
	}
	_, ok, err := occurrences.FirstOccurrence(m.Pattern(), w.Start)
	return ok || err != nil
}

type meetingSummaryJSON struct {
	Room      string               `json:"room"`
	Days      recurrence.DaySet    `json:"days"`
	StartTime recurrence.TimeOfDay `json:"start_time"`
	EndTime   recurrence.TimeOfDay `json:"end_time"`
	StartDate string               `json:"start_date"`
	EndDate   string               `json:"end_date"`
}

// MarshalJSON renders dates as YYYY-MM-DD.
func (m MeetingSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(meetingSummaryJSON{
		Room:      m.Room,
		Days:      m.Days,
		StartTime: m.StartTime,
		EndTime:   m.EndTime,
		StartDate: formatDate(m.StartDate),
		EndDate:   formatDate(m.EndDate),
	})
}

// UnmarshalJSON parses the form produced by MarshalJSON.
func (m *MeetingSummary) UnmarshalJSON(data []byte) error {
	var raw meetingSummaryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := parseDate(raw.StartDate)
	if err != nil {
		return err
	}
	end, err := parseDate(raw.EndDate)
	if err != nil {
		return err
	}
	*m = MeetingSummary{
		Room:      raw.Room,
		Days:      raw.Days,
		StartTime: raw.StartTime,
		EndTime:   raw.EndTime,
		StartDate: start,
		EndDate:   end,
	}
	return nil
}

// MeetingDelta carries only the meeting sub-fields that changed.
type MeetingDelta struct {
	Room      *string
	Days      *recurrence.DaySet
	StartTime *recurrence.TimeOfDay
	EndTime   *recurrence.TimeOfDay
	StartDate *time.Time
	EndDate   *time.Time
}

// ValueType implements Value.
func (MeetingDelta) ValueType() ValueType { return ValueMeetingDelta }

// IsEmpty reports whether no sub-field is set.
func (d MeetingDelta) IsEmpty() bool {
	return d.Room == nil && d.Days == nil && d.StartTime == nil &&
		d.EndTime == nil && d.StartDate == nil && d.EndDate == nil
}

// Apply overlays the set sub-fields onto base.
func (d MeetingDelta) Apply(base MeetingSummary) MeetingSummary {
	if d.Room != nil {
		base.Room = *d.Room
	}
	if d.Days != nil {
		base.Days = *d.Days
	}
	if d.StartTime != nil {
		base.StartTime = *d.StartTime
	}
	if d.EndTime != nil {
		base.EndTime = *d.EndTime
	}
	if d.StartDate != nil {
		base.StartDate = *d.StartDate
	}
	if d.EndDate != nil {
		base.EndDate = *d.EndDate
	}
	return base
}

// ChangesTimeOrRoom reports whether the delta touches anything but the date range.
func (d MeetingDelta) ChangesTimeOrRoom() bool {
	return d.Room != nil || d.Days != nil || d.StartTime != nil || d.EndTime != nil
}

// Equal compares deltas sub-field by sub-field.
func (d MeetingDelta) Equal(other MeetingDelta) bool {
	return equalPtr(d.Room, other.Room) &&
		equalPtr(d.Days, other.Days) &&
		equalPtr(d.StartTime, other.StartTime) &&
		equalPtr(d.EndTime, other.EndTime) &&
		equalDatePtr(d.StartDate, other.StartDate) &&
		equalDatePtr(d.EndDate, other.EndDate)
}

type meetingDeltaJSON struct {
	Room      *string               `json:"room,omitempty"`
	Days      *recurrence.DaySet    `json:"days,omitempty"`
	StartTime *recurrence.TimeOfDay `json:"start_time,omitempty"`
	EndTime   *recurrence.TimeOfDay `json:"end_time,omitempty"`
	StartDate *string               `json:"start_date,omitempty"`
	EndDate   *string               `json:"end_date,omitempty"`
}

// MarshalJSON renders set sub-fields only.
func (d MeetingDelta) MarshalJSON() ([]byte, error) {
	out := meetingDeltaJSON{
		Room:      d.Room,
		Days:      d.Days,
		StartTime: d.StartTime,
		EndTime:   d.EndTime,
	}
	if d.StartDate != nil {
		s := formatDate(*d.StartDate)
		out.StartDate = &s
	}
	if d.EndDate != nil {
		s := formatDate(*d.EndDate)
		out.EndDate = &s
	}
	return json.Marshal(out)
}

// UnmarshalJSON parses the form produced by MarshalJSON.
func (d *MeetingDelta) UnmarshalJSON(data []byte) error {
	var raw meetingDeltaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := MeetingDelta{
		Room:      raw.Room,
		Days:      raw.Days,
		StartTime: raw.StartTime,
		EndTime:   raw.EndTime,
	}
	if raw.StartDate != nil {
		t, err := parseDate(*raw.StartDate)
		if err != nil {
			return err
		}
		out.StartDate = &t
	}
	if raw.EndDate != nil {
		t, err := parseDate(*raw.EndDate)
		if err != nil {
			return err
		}
		out.EndDate = &t
	}
	*d = out
	return nil
}

// UIDSet is a sorted, duplicate-free list of person identifiers.
type UIDSet []string

// NewUIDSet normalizes uids into a UIDSet.
func NewUIDSet(uids ...string) UIDSet {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, uid := range uids {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		set.Add(uid)
	}
	out := set.ToSlice()
	slices.Sort(out)
	return UIDSet(out)
}

// ValueType implements Value.
func (UIDSet) ValueType() ValueType { return ValueUIDSet }

// Contains reports whether uid is a member.
func (u UIDSet) Contains(uid string) bool {
	_, found := slices.BinarySearch(u, uid)
	return found
}

// Equal reports set equality.
func (u UIDSet) Equal(other UIDSet) bool {
	return slices.Equal(NewUIDSet(u...), NewUIDSet(other...))
}

// Diff returns the uids present in target but not u, and those in u but not target.
func (u UIDSet) Diff(target UIDSet) (added, removed UIDSet) {
	current := mapset.NewThreadUnsafeSet[string](u...)
	wanted := mapset.NewThreadUnsafeSet[string](target...)
	return NewUIDSet(wanted.Difference(current).ToSlice()...), NewUIDSet(current.Difference(wanted).ToSlice()...)
}

// Union returns the union of u and others.
func (u UIDSet) Union(others ...UIDSet) UIDSet {
	all := slices.Clone([]string(u))
	for _, other := range others {
		all = append(all, other...)
	}
	return NewUIDSet(all...)
}

// Without returns u minus the given uids.
func (u UIDSet) Without(uids ...string) UIDSet {
	remove := mapset.NewThreadUnsafeSet[string](uids...)
	out := make([]string, 0, len(u))
	for _, uid := range u {
		if !remove.Contains(uid) {
			out = append(out, uid)
		}
	}
	return NewUIDSet(out...)
}

// PublishType selects where recordings are published.
type PublishType string

const (
	PublishMediaGallery          PublishType = "media_gallery"
	PublishMediaGalleryModerated PublishType = "media_gallery_moderated"
	PublishMyMedia               PublishType = "my_media"
)

// ValueType implements Value.
func (PublishType) ValueType() ValueType { return ValuePublishType }

// Valid reports whether p is a known publish type.
func (p PublishType) Valid() bool {
	switch p {
	case PublishMediaGallery, PublishMediaGalleryModerated, PublishMyMedia:
		return true
	}
	return false
}

// SiteWide reports whether recordings are linked into the course sites.
func (p PublishType) SiteWide() bool {
	return p == PublishMediaGallery || p == PublishMediaGalleryModerated
}

// RecordingType selects which capture sources are recorded.
type RecordingType string

const (
	RecordingPresenterAudio             RecordingType = "presenter_audio"
	RecordingPresenterPresentationAudio RecordingType = "presenter_presentation_audio"
	RecordingPresentationAudio          RecordingType = "presentation_audio"
)

// ValueType implements Value.
func (RecordingType) ValueType() ValueType { return ValueRecordingType }

// Valid reports whether r is a known recording type.
func (r RecordingType) Valid() bool {
	switch r {
	case RecordingPresenterAudio, RecordingPresenterPresentationAudio, RecordingPresentationAudio:
		return true
	}
	return false
}

// valueShape lists the accepted variants for the old and new slots of a field.
// An empty ValueType means the slot must be nil.
type valueShape struct {
	old ValueType
	new ValueType
}

var fieldShapes = map[FieldKind]valueShape{
	FieldMeetingAdded:     {old: "", new: ValueMeetingSummary},
	FieldMeetingRemoved:   {old: ValueMeetingSummary, new: ""},
	FieldMeetingUpdated:   {old: ValueMeetingDelta, new: ValueMeetingDelta},
	FieldInstructorUIDs:   {old: ValueUIDSet, new: ValueUIDSet},
	FieldCollaboratorUIDs: {old: ValueUIDSet, new: ValueUIDSet},
	FieldPublishType:      {old: ValuePublishType, new: ValuePublishType},
	FieldRecordingType:    {old: ValueRecordingType, new: ValueRecordingType},
	FieldNotScheduled:     {old: ValueMeetingSummary, new: ""},
	FieldRoomNotEligible:  {old: ValueMeetingSummary, new: ValueMeetingSummary},
}

// ValidateValues checks that old and new carry the variants expected for field.
func ValidateValues(field FieldKind, before, after Value) error {
	shape, ok := fieldShapes[field]
	if !ok {
		return fmt.Errorf("%w: unknown field kind %q", ErrInvalidValue, field)
	}
	if err := checkSlot(field, "old", shape.old, before); err != nil {
		return err
	}
	return checkSlot(field, "new", shape.new, after)
}

func checkSlot(field FieldKind, slot string, want ValueType, got Value) error {
	switch {
	case want == "" && got == nil:
		return nil
	case want == "":
		return fmt.Errorf("%w: %s %s must be empty, got %s", ErrInvalidValue, field, slot, got.ValueType())
	case got == nil:
		// room_not_eligible may lack a replacement summary when no ineligible meeting is known
		if field == FieldRoomNotEligible && slot == "new" {
			return nil
		}
		return fmt.Errorf("%w: %s %s requires %s", ErrInvalidValue, field, slot, want)
	case got.ValueType() != want:
		return fmt.Errorf("%w: %s %s requires %s, got %s", ErrInvalidValue, field, slot, want, got.ValueType())
	}
	return nil
}

type envelope struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// EncodeValue serializes v for storage. A nil value encodes to the empty string.
func EncodeValue(v Value) (string, error) {
	if v == nil {
		return "", nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", v.ValueType(), err)
	}
	out, err := json.Marshal(envelope{Type: v.ValueType(), Value: payload})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", v.ValueType(), err)
	}
	return string(out), nil
}

// DecodeValue parses a payload produced by EncodeValue.
func DecodeValue(raw string) (Value, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	switch env.Type {
	case ValueMeetingSummary:
		var v MeetingSummary
		return decodeInto(env, &v)
	case ValueMeetingDelta:
		var v MeetingDelta
		return decodeInto(env, &v)
	case ValueUIDSet:
		var v UIDSet
		if err := json.Unmarshal(env.Value, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, env.Type, err)
		}
		return NewUIDSet(v...), nil
	case ValuePublishType:
		var v PublishType
		return decodeInto(env, &v)
	case ValueRecordingType:
		var v RecordingType
		return decodeInto(env, &v)
	}
	return nil, fmt.Errorf("%w: unknown value type %q", ErrInvalidValue, env.Type)
}

func decodeInto[T Value](env envelope, target *T) (Value, error) {
	if err := json.Unmarshal(env.Value, target); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, env.Type, err)
	}
	return *target, nil
}

// ValuesEqual compares two values of any variant.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.ValueType() != b.ValueType() {
		return false
	}
	switch av := a.(type) {
	case MeetingSummary:
		return av.Equal(b.(MeetingSummary))
	case MeetingDelta:
		return av.Equal(b.(MeetingDelta))
	case UIDSet:
		return av.Equal(b.(UIDSet))
	case PublishType:
		return av == b.(PublishType)
	case RecordingType:
		return av == b.(RecordingType)
	}
	return false
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, value)
	}
	return t, nil
}

func sameDate(a, b time.Time) bool {
	return recurrence.DateOf(a).Equal(recurrence.DateOf(b))
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalDatePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameDate(*a, *b)
}
