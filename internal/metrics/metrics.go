// Package metrics exposes Prometheus collectors for the job server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jobserver"

// Metrics holds the server's collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	runningJobs     *prometheus.GaugeVec
	dispatched      *prometheus.CounterVec
	responses       *prometheus.CounterVec
	connectorErrors *prometheus.CounterVec
	throttled       prometheus.Counter
	submissions     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runningJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs",
			Help:      "Number of jobs currently executing, per handler.",
		}, []string{"handler"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_dispatched_total",
			Help:      "Count of requests dispatched to a handler.",
		}, []string{"handler"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Count of responses forwarded to the connector.",
		}, []string{"state", "final"}),
		connectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connector_errors_total",
			Help:      "Count of connector failures, by operation.",
		}, []string{"op"}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_throttled_total",
			Help:      "Count of poll cycles that stopped fetching because the job ceiling was reached.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Count of requests submitted to the connector, by source.",
		}, []string{"source"}),
	}
	m.Registry.MustRegister(
		m.runningJobs,
		m.dispatched,
		m.responses,
		m.connectorErrors,
		m.throttled,
		m.submissions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// SetRunningJobs records the current job count of a handler.
func (m *Metrics) SetRunningJobs(handler string, n int) {
	if m == nil {
		return
	}
	m.runningJobs.WithLabelValues(handler).Set(float64(n))
}

// RecordDispatch counts a request handed to a handler.
func (m *Metrics) RecordDispatch(handler string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(handler).Inc()
}

// RecordResponse counts a forwarded response.
func (m *Metrics) RecordResponse(state string, final bool) {
	if m == nil {
		return
	}
	f := "false"
	if final {
		f = "true"
	}
	m.responses.WithLabelValues(state, f).Inc()
}

// RecordConnectorError counts a failed connector call (op is "next" or "respond").
func (m *Metrics) RecordConnectorError(op string) {
	if m == nil {
		return
	}
	m.connectorErrors.WithLabelValues(op).Inc()
}

// RecordThrottled counts a poll cycle cut short by the job ceiling.
func (m *Metrics) RecordThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

// RecordSubmission counts a request submitted by source (api, webhook, scheduler, cli).
func (m *Metrics) RecordSubmission(source string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(source).Inc()
}
