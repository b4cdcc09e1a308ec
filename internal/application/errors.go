package application

import (
	"errors"
	"fmt"
)

var (
	// ErrPassInProgress is returned when a reconciliation pass is already running.
	ErrPassInProgress = errors.New("application: reconciliation pass already running")
	// ErrUnknownTerm is returned when a pass is requested for an unconfigured term.
	ErrUnknownTerm = errors.New("application: unknown term")
)

// ExternalSchedulerError reports a failed call to the external scheduler after
// the retry policy gave up.
type ExternalSchedulerError struct {
	Op     string
	Handle string
	Err    error
}

func (e *ExternalSchedulerError) Error() string {
	if e.Handle == "" {
		return fmt.Sprintf("external scheduler %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("external scheduler %s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *ExternalSchedulerError) Unwrap() error {
	return e.Err
}

// DataIntegrityError reports local state that no longer agrees with the
// registry or the external scheduler.
type DataIntegrityError struct {
	TermID    string
	SectionID string
	Handle    string
	Reason    string
	Err       error
}

func (e *DataIntegrityError) Error() string {
	msg := fmt.Sprintf("data integrity: %s/%s", e.TermID, e.SectionID)
	if e.Handle != "" {
		msg += " handle " + e.Handle
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataIntegrityError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a missing room mapping or notification template.
// Work that hits it is aborted before anything is mutated.
type ConfigurationError struct {
	Setting string
	Value   string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("configuration: %s %q not configured", e.Setting, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func externalError(op, handle string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalSchedulerError{Op: op, Handle: handle, Err: err}
}
