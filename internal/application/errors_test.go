package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/example/capture-scheduler/internal/notify"
	"github.com/example/capture-scheduler/internal/persistence"
	"github.com/example/capture-scheduler/internal/reconcile"
	"github.com/example/capture-scheduler/internal/scheduler"
)

func TestErrorKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "configuration", err: &ConfigurationError{Setting: "room mapping", Value: "HUM-101"}, want: "configuration"},
		{name: "wrapped template", err: fmt.Errorf("apply: %w", &ConfigurationError{Setting: "notification template", Value: "admin_alert", Err: notify.ErrUnknownTemplate}), want: "configuration"},
		{name: "data integrity", err: &DataIntegrityError{TermID: "T", SectionID: "S", Reason: "gone"}, want: "data_integrity"},
		{name: "external", err: externalError(scheduler.OpCancel, "h-1", errors.New("boom")), want: "external_scheduler"},
		{name: "external wrapping canceled", err: externalError(scheduler.OpCancel, "h-1", context.Canceled), want: "external_scheduler"},
		{name: "pass in progress", err: ErrPassInProgress, want: "pass_in_progress"},
		{name: "unknown term", err: fmt.Errorf("%w: 2030SP", ErrUnknownTerm), want: "unknown_term"},
		{name: "ambiguous", err: reconcile.ErrAmbiguousMeetings, want: "ambiguous_meetings"},
		{name: "already resolved", err: persistence.ErrAlreadyResolved, want: "already_resolved"},
		{name: "not found", err: persistence.ErrNotFound, want: "not_found"},
		{name: "duplicate", err: persistence.ErrDuplicate, want: "duplicate"},
		{name: "deadline", err: context.DeadlineExceeded, want: "canceled"},
		{name: "other", err: errors.New("boom"), want: "unexpected"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ErrorKind(tc.err); got != tc.want {
				t.Fatalf("ErrorKind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDataIntegrityError(t *testing.T) {
	t.Parallel()

	cause := reconcile.ErrAmbiguousMeetings
	err := &DataIntegrityError{TermID: "2026FA", SectionID: "A", Handle: "h-1", Reason: "course cannot be scheduled", Err: cause}
	msg := err.Error()
	for _, want := range []string{"2026FA/A", "handle h-1", "course cannot be scheduled", cause.Error()} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected DataIntegrityError to unwrap to its cause")
	}
}

func TestConfigurationError(t *testing.T) {
	t.Parallel()

	err := &ConfigurationError{Setting: "room mapping", Value: "HUM-404"}
	if got, want := err.Error(), `configuration: room mapping "HUM-404" not configured`; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	wrapped := &ConfigurationError{Setting: "notification template", Value: "instructor_removed", Err: notify.ErrUnknownTemplate}
	if !errors.Is(wrapped, notify.ErrUnknownTemplate) {
		t.Fatalf("expected template error to unwrap to ErrUnknownTemplate")
	}
}

func TestExternalSchedulerError(t *testing.T) {
	t.Parallel()

	if externalError(scheduler.OpDelete, "h-1", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}

	err := externalError(scheduler.OpGetEvent, "h-1", scheduler.ErrEventNotFound)
	if !errors.Is(err, scheduler.ErrEventNotFound) {
		t.Fatalf("expected external error to unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "h-1") {
		t.Fatalf("expected handle in message, got %q", err.Error())
	}

	create := externalError(scheduler.OpCreate, "", errors.New("boom"))
	if strings.Contains(create.Error(), "  ") {
		t.Fatalf("unexpected double space in %q", create.Error())
	}
}
