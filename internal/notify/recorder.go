package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"

	events "github.com/docker/go-events"
)

// Recorder keeps every notification in memory. It works both as a Notifier
// and as a sink behind a Dispatcher.
type Recorder struct {
	mu       sync.Mutex
	sent     []Notification
	disabled map[Kind]bool
}

var (
	_ Notifier    = (*Recorder)(nil)
	_ events.Sink = (*Recorder)(nil)
)

// NewRecorder returns a recorder with every template enabled.
func NewRecorder() *Recorder {
	return &Recorder{disabled: make(map[Kind]bool)}
}

// Disable removes the template for kind.
func (r *Recorder) Disable(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[kind] = true
}

// HasTemplate reports whether kind is enabled.
func (r *Recorder) HasTemplate(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled[kind]
}

// Notify records n.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	if !r.HasTemplate(n.Kind) {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, n.Kind)
	}
	return r.Write(n)
}

// Write implements events.Sink.
func (r *Recorder) Write(event events.Event) error {
	n, ok := event.(Notification)
	if !ok {
		return fmt.Errorf("notify: unexpected event %T", event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Close implements events.Sink.
func (r *Recorder) Close() error {
	return nil
}

// Sent returns all recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// OfKind returns recorded notifications of kind.
func (r *Recorder) OfKind(kind Kind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
