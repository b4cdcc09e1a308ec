package scheduler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// Policy bounds how hard Resilient tries before giving up.
type Policy struct {
	// AttemptTimeout caps every single vendor call.
	AttemptTimeout time.Duration
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestsPerSecond limits calls across all operations. Zero disables the limit.
	RequestsPerSecond float64
	Burst             int
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		AttemptTimeout:    10 * time.Second,
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// Observer receives one call per vendor attempt.
type Observer interface {
	ObserveSchedulerCall(op string, duration time.Duration, err error)
}

// Resilient decorates a Client with per-attempt timeouts, bounded exponential
// backoff and a client-side rate limit.
type Resilient struct {
	next     Client
	policy   Policy
	limiter  *rate.Limiter
	observer Observer
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps next. observer may be nil.
func NewResilient(next Client, policy Policy, observer Observer) *Resilient {
	limit := rate.Inf
	if policy.RequestsPerSecond > 0 {
		limit = rate.Limit(policy.RequestsPerSecond)
	}
	burst := policy.Burst
	if burst <= 0 {
		burst = 1
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = 1
	}
	return &Resilient{
		next:     next,
		policy:   policy,
		limiter:  rate.NewLimiter(limit, burst),
		observer: observer,
	}
}

func call[T any](ctx context.Context, r *Resilient, op string, retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	if r.policy.InitialBackoff > 0 {
		policy.InitialInterval = r.policy.InitialBackoff
	}
	if r.policy.MaxBackoff > 0 {
		policy.MaxInterval = r.policy.MaxBackoff
	}

	return backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.policy.AttemptTimeout)
		}
		defer cancel()

		started := time.Now()
		result, err := fn(attemptCtx)
		if r.observer != nil {
			r.observer.ObserveSchedulerCall(op, time.Since(started), err)
		}
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(r.policy.MaxAttempts),
	)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryableCreate reports whether a failed create can be repeated without
// risking a second schedule at the vendor: the vendor throttled the request or
// the request never reached it. Timeouts and 5xx are ambiguous and not retried.
func RetryableCreate(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.StatusCode == http.StatusTooManyRequests
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func (r *Resilient) CreateRecurringSchedule(ctx context.Context, req ScheduleRequest) (string, error) {
	return call(ctx, r, OpCreate, RetryableCreate, func(ctx context.Context) (string, error) {
		return r.next.CreateRecurringSchedule(ctx, req)
	})
}

func (r *Resilient) GetEvent(ctx context.Context, handle string) (Event, error) {
	return call(ctx, r, OpGetEvent, Retryable, func(ctx context.Context) (Event, error) {
		return r.next.GetEvent(ctx, handle)
	})
}

func (r *Resilient) UpdateACL(ctx context.Context, handle string, instructors, collaborators []string) error {
	return r.exec(ctx, OpUpdateACL, func(ctx context.Context) error {
		return r.next.UpdateACL(ctx, handle, instructors, collaborators)
	})
}

func (r *Resilient) UpdateTimeOrRoom(ctx context.Context, handle string, timing Timing) error {
	return r.exec(ctx, OpUpdateTimeOrRoom, func(ctx context.Context) error {
		return r.next.UpdateTimeOrRoom(ctx, handle, timing)
	})
}

func (r *Resilient) UpdateCategories(ctx context.Context, handle string, categories []string) error {
	return r.exec(ctx, OpUpdateCategories, func(ctx context.Context) error {
		return r.next.UpdateCategories(ctx, handle, categories)
	})
}

func (r *Resilient) UpdateRecordingType(ctx context.Context, handle string, recordingType string) error {
	return r.exec(ctx, OpUpdateRecordingType, func(ctx context.Context) error {
		return r.next.UpdateRecordingType(ctx, handle, recordingType)
	})
}

func (r *Resilient) Cancel(ctx context.Context, handle string) error {
	return r.exec(ctx, OpCancel, func(ctx context.Context) error {
		return r.next.Cancel(ctx, handle)
	})
}

func (r *Resilient) Delete(ctx context.Context, handle string) error {
	return r.exec(ctx, OpDelete, func(ctx context.Context) error {
		return r.next.Delete(ctx, handle)
	})
}

func (r *Resilient) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, r, op, Retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
