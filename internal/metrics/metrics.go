// Package metrics exposes reconciler instrumentation in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/docker/go-metrics"
)

var (
	passDuration      metrics.LabeledTimer
	passRunning       metrics.Gauge
	passesSkipped     metrics.Counter
	changesEnqueued   metrics.LabeledCounter
	changesResolved   metrics.LabeledCounter
	schedulerCalls    metrics.LabeledTimer
	schedulerFailures metrics.LabeledCounter
	adminAlerts       metrics.LabeledCounter
)

func init() {
	ns := metrics.NewNamespace("capture", "reconciler", nil)
	passDuration = ns.NewLabeledTimer("pass", "The number of seconds it takes to run a reconciliation pass", "result")
	passRunning = ns.NewGauge("pass_running", "Whether a reconciliation pass is currently running", metrics.Unit("pass"))
	passesSkipped = ns.NewCounter("passes_skipped", "The number of passes skipped because another pass was running")
	changesEnqueued = ns.NewLabeledCounter("changes_enqueued", "The number of change records enqueued", "field")
	changesResolved = ns.NewLabeledCounter("changes_resolved", "The number of change records resolved", "field", "status")
	schedulerCalls = ns.NewLabeledTimer("scheduler_calls", "The number of seconds each external scheduler call takes", "operation")
	schedulerFailures = ns.NewLabeledCounter("scheduler_failures", "The number of failed external scheduler calls", "operation")
	adminAlerts = ns.NewLabeledCounter("admin_alerts", "The number of alerts raised to administrators", "kind")
	metrics.Register(ns)
}

// Handler serves every registered metric.
func Handler() http.Handler {
	return metrics.Handler()
}

// PassStarted marks a pass as running.
func PassStarted() {
	passRunning.Set(1)
}

// PassFinished records the outcome of a pass started at started.
func PassFinished(result string, started time.Time) {
	passRunning.Set(0)
	passDuration.WithValues(result).UpdateSince(started)
}

// PassSkipped counts a pass rejected by the single-flight guard.
func PassSkipped() {
	passesSkipped.Inc()
}

// ChangesEnqueued counts n new records of field.
func ChangesEnqueued(field string, n int) {
	if n > 0 {
		changesEnqueued.WithValues(field).Inc(float64(n))
	}
}

// ChangeResolved counts one record leaving the queued state.
func ChangeResolved(field, status string) {
	changesResolved.WithValues(field, status).Inc()
}

// AdminAlert counts one alert of kind.
func AdminAlert(kind string) {
	adminAlerts.WithValues(kind).Inc()
}

// SchedulerObserver records external scheduler attempts.
type SchedulerObserver struct{}

// ObserveSchedulerCall records one attempt of op.
func (SchedulerObserver) ObserveSchedulerCall(op string, duration time.Duration, err error) {
	schedulerCalls.WithValues(op).Update(duration)
	if err != nil {
		schedulerFailures.WithValues(op).Inc()
	}
}
