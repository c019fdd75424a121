// Package metrics defines prometheus metrics for this core's concerns:
// commit apply latency, scheduler activity, sequencer backlog, submitter
// retries, and session churn, and serves them via Handler. No package in
// this module records into them; they stay at their zero values.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommitApplyDuration is a histogram for how long one commit apply
	// takes, labeled by outcome.
	CommitApplyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meridian",
		Subsystem: "executor",
		Name:      "commit_apply_duration_seconds",
		Help:      "Time spent applying one committed operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	// SchedulerFiredTotal counts callbacks fired by the logical-time
	// scheduler.
	SchedulerFiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "callbacks_fired_total",
		Help:      "Total scheduled callbacks fired.",
	})

	// SchedulerPending gauges the scheduler's current pending-entry count.
	SchedulerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "scheduler",
		Name:      "pending_entries",
		Help:      "Callbacks scheduled but not yet fired.",
	})

	// SequencerBufferedTotal gauges out-of-order responses currently
	// held by the client sequencer awaiting their turn.
	SequencerBufferedTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "sequencer",
		Name:      "buffered_responses",
		Help:      "Command responses buffered awaiting sequence order.",
	})

	// SubmitterRetriesTotal counts submitter retry attempts, labeled by
	// cause.
	SubmitterRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "submitter",
		Name:      "retries_total",
		Help:      "Submitter retry attempts.",
	}, []string{"cause"})

	// SessionsActive gauges currently open server sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meridian",
		Subsystem: "session",
		Name:      "active",
		Help:      "Currently open server sessions.",
	})

	// SessionsExpiredTotal counts sessions closed due to keep-alive
	// timeout.
	SessionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meridian",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Sessions closed due to keep-alive timeout.",
	})
)

// Timer measures an in-flight operation and records its duration to obs
// on Stop.
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

// NewTimer starts a timer that will record into obs.
func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), obs: obs}
}

// Stop records the elapsed duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.obs.Observe(elapsed.Seconds())
	return elapsed
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
