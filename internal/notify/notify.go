// Package notify delivers reconciler notifications to people and administrators.
// Rendering is left to the sinks; this package only routes typed notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrUnknownTemplate is returned when no template is configured for a kind.
var ErrUnknownTemplate = errors.New("notify: no template configured")

// Kind identifies a notification template.
type Kind string

const (
	KindNoLongerScheduled    Kind = "no_longer_scheduled"
	KindRoomNoLongerEligible Kind = "room_no_longer_eligible"
	KindScheduleChange       Kind = "schedule_change"
	KindInstructorRemoved    Kind = "instructor_removed"
	KindChangesConfirmed     Kind = "changes_confirmed"
	KindAdminAlert           Kind = "admin_alert"
)

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{
		KindNoLongerScheduled,
		KindRoomNoLongerEligible,
		KindScheduleChange,
		KindInstructorRemoved,
		KindChangesConfirmed,
		KindAdminAlert,
	}
}

// ParseKind validates a kind name.
func ParseKind(value string) (Kind, error) {
	kind := Kind(value)
	if !slices.Contains(Kinds(), kind) {
		return "", fmt.Errorf("notify: unknown kind %q", value)
	}
	return kind, nil
}

// Notification is one message to deliver.
type Notification struct {
	Kind      Kind
	TermID    string
	SectionID string
	Handle    string
	// Recipients are person uids. Admin alerts have none.
	Recipients []string
	// Details carries template fields such as the removed uid or an error message.
	Details   map[string]string
	CreatedAt time.Time
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	HasTemplate(kind Kind) bool
}
