// Package metrics exposes Prometheus instrumentation for sessions, listing
// processing, portal traffic and the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s2b_extend"

// Metrics holds every collector of the service on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  *prometheus.CounterVec // labels: trigger
	SessionsFinished *prometheus.CounterVec // labels: status
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram

	ItemsProcessed *prometheus.CounterVec // labels: outcome
	QuotaStops     prometheus.Counter

	PortalRequests *prometheus.CounterVec // labels: operation, outcome
	PortalLatency  *prometheus.HistogramVec
	PortalLogins   *prometheus.CounterVec // labels: outcome

	ScheduledRuns *prometheus.CounterVec // labels: outcome
}

// New creates a Metrics instance with process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Automation sessions started",
		}, []string{"trigger"}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Automation sessions that reached a terminal state",
		}, []string{"status"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently pending or running",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall time of finished sessions",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
		}),

		ItemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Listings attempted, by outcome",
		}, []string{"outcome"}),
		QuotaStops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_stops_total",
			Help:      "Runs stopped because the plan quota was exhausted",
		}),

		PortalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_requests_total",
			Help:      "HTTP requests sent to the portal",
		}, []string{"operation", "outcome"}),
		PortalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "portal_request_duration_seconds",
			Help:      "Latency of portal HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		PortalLogins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "portal_logins_total",
			Help:      "Interactive browser logins, by outcome",
		}, []string{"outcome"}),

		ScheduledRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_total",
			Help:      "Scheduler triggers, by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePortalRequest records one portal request. A nil receiver is a no-op
// so components can run without instrumentation.
func (m *Metrics) ObservePortalRequest(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PortalRequests.WithLabelValues(operation, outcome).Inc()
	m.PortalLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveLogin records an interactive login attempt.
func (m *Metrics) ObserveLogin(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PortalLogins.WithLabelValues("error").Inc()
		return
	}
	m.PortalLogins.WithLabelValues("ok").Inc()
}

// ObserveItem records the outcome of one listing: "success", "failure" or "skipped".
func (m *Metrics) ObserveItem(outcome string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveQuotaStop records a run that ended on an exhausted quota.
func (m *Metrics) ObserveQuotaStop() {
	if m == nil {
		return
	}
	m.QuotaStops.Inc()
}

// SessionStarted records a started session.
func (m *Metrics) SessionStarted(trigger string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(trigger).Inc()
	m.ActiveSessions.Inc()
}

// SessionFinished records a terminal transition and the run's duration.
func (m *Metrics) SessionFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(status).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// ObserveScheduledRun records a scheduler trigger: "started", "conflict",
// "quota", "deactivated" or "error".
func (m *Metrics) ObserveScheduledRun(outcome string) {
	if m == nil {
		return
	}
	m.ScheduledRuns.WithLabelValues(outcome).Inc()
}
