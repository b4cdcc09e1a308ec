package application

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/capture-scheduler/internal/metrics"
	"github.com/example/capture-scheduler/internal/notify"
)

// Alert is an operational problem surfaced to administrators.
type Alert struct {
	TermID    string
	SectionID string
	Handle    string
	// Group names the work that failed, e.g. "acl" or "cancellation".
	Group string
	Err   error
}

func (a Alert) key() string {
	return strings.Join([]string{a.TermID, a.SectionID, a.Handle, a.Group, ErrorKind(a.Err)}, "|")
}

// Alerter sends admin alerts through the notifier. Identical alerts raised
// again within the throttle window are logged but not re-sent.
type Alerter struct {
	notifier notify.Notifier
	throttle *alertThrottle
	now      func() time.Time
	logger   *slog.Logger
}

// NewAlerter wires an alerter. A zero window sends every alert.
func NewAlerter(notifier notify.Notifier, window time.Duration, now func() time.Time, logger *slog.Logger) *Alerter {
	if now == nil {
		now = time.Now
	}
	a := &Alerter{notifier: notifier, now: now, logger: defaultLogger(logger)}
	if window > 0 {
		a.throttle = newAlertThrottle(window, 1024, now)
	}
	return a
}

// Raise reports alert. It returns true when the alert was handed to the notifier.
func (a *Alerter) Raise(ctx context.Context, alert Alert) bool {
	kind := ErrorKind(alert.Err)
	logger := serviceLogger(ctx, a.logger, "Alerter", "Raise",
		"term_id", alert.TermID, "section_id", alert.SectionID, "group", alert.Group)
	logger.WarnContext(ctx, "admin alert", "error", alert.Err, "error_kind", kind)

	if a.throttle.Seen(alert.key()) {
		return false
	}
	if a.notifier == nil || !a.notifier.HasTemplate(notify.KindAdminAlert) {
		logger.ErrorContext(ctx, "admin alert template not configured; alert only logged")
		return false
	}
	details := map[string]string{"group": alert.Group, "error_kind": kind}
	if alert.Err != nil {
		details["error"] = alert.Err.Error()
	}
	err := a.notifier.Notify(ctx, notify.Notification{
		Kind:      notify.KindAdminAlert,
		TermID:    alert.TermID,
		SectionID: alert.SectionID,
		Handle:    alert.Handle,
		Details:   details,
		CreatedAt: a.now(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to send admin alert", "error", err)
		return false
	}
	metrics.AdminAlert(kind)
	a.throttle.Mark(alert.key())
	return true
}

// alertThrottle remembers recently sent alert keys until they expire.
type alertThrottle struct {
	mu         sync.Mutex
	now        func() time.Time
	ttl        time.Duration
	maxEntries int
	entries    map[string]time.Time
}

func newAlertThrottle(ttl time.Duration, maxEntries int, now func() time.Time) *alertThrottle {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 128
	}
	if now == nil {
		now = time.Now
	}
	return &alertThrottle{
		now:        now,
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]time.Time),
	}
}

// Seen reports whether key was marked and has not expired.
func (c *alertThrottle) Seen(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.now().After(expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Mark records key as sent now.
func (c *alertThrottle) Mark(key string) {
	if c == nil {
		return
	}
	expiry := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanupLocked()
	if len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}
	c.entries[key] = expiry
}

// Reset forgets every key.
func (c *alertThrottle) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]time.Time)
	c.mu.Unlock()
}

func (c *alertThrottle) cleanupLocked() {
	now := c.now()
	for key, expiresAt := range c.entries {
		if now.After(expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *alertThrottle) evictOneLocked() {
	for key := range c.entries {
		delete(c.entries, key)
		return
	}
}
