package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	events "github.com/docker/go-events"
)

// Dispatcher queues notifications and fans them out to sinks in the
// background. Notify never blocks on delivery.
type Dispatcher struct {
	templates mapset.Set[Kind]
	queue     *events.Queue
	closeOnce sync.Once
	closeErr  error
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher delivers notifications of the given template kinds to sinks.
// An empty template list enables every kind.
func NewDispatcher(templates []Kind, sinks ...events.Sink) *Dispatcher {
	if len(templates) == 0 {
		templates = Kinds()
	}
	return &Dispatcher{
		templates: mapset.NewSet(templates...),
		queue:     events.NewQueue(events.NewBroadcaster(sinks...)),
	}
}

// HasTemplate reports whether kind can be rendered.
func (d *Dispatcher) HasTemplate(kind Kind) bool {
	return d.templates.Contains(kind)
}

// Notify queues n for delivery.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if !d.HasTemplate(n.Kind) {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, n.Kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.queue.Write(n); err != nil {
		return fmt.Errorf("notify: queue %s: %w", n.Kind, err)
	}
	return nil
}

// Close delivers everything still queued and closes the sinks.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.queue.Close()
	})
	return d.closeErr
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs at info level, or warn for admin alerts.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

// Write implements events.Sink.
func (s *LogSink) Write(event events.Event) error {
	n, ok := event.(Notification)
	if !ok {
		return fmt.Errorf("notify: unexpected event %T", event)
	}
	attrs := []any{
		"kind", string(n.Kind),
		"term_id", n.TermID,
		"section_id", n.SectionID,
	}
	if n.Handle != "" {
		attrs = append(attrs, "handle", n.Handle)
	}
	if len(n.Recipients) > 0 {
		attrs = append(attrs, "recipients", n.Recipients)
	}
	for key, value := range n.Details {
		attrs = append(attrs, key, value)
	}
	if n.Kind == KindAdminAlert {
		s.logger.Warn("admin alert", attrs...)
		return nil
	}
	s.logger.Info("notification sent", attrs...)
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close() error {
	return nil
}
