// Package metrics exposes the bridge's Prometheus instrumentation on a
// dedicated registry (no global default registry state).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the registry and the bridge's collectors.
type Recorder struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	commandsTotal     *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	systemdOperations *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// requestBuckets covers chat-command latencies: sub-millisecond rejections
// through multi-second systemd round trips.
var requestBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// New builds a recorder with Go and process collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rave",
				Name:      "requests_total",
				Help:      "Total HTTP requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),

		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rave",
				Name:      "commands_total",
				Help:      "Total chat commands by command, outcome, and user",
			},
			[]string{"command", "status", "user"},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rave",
				Name:      "auth_failures_total",
				Help:      "Total authentication failures by reason",
			},
			[]string{"reason"},
		),

		systemdOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rave",
				Name:      "systemd_operations_total",
				Help:      "Total systemd unit operations by operation, agent, and outcome",
			},
			[]string{"operation", "agent", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rave",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration by endpoint",
				Buckets:   requestBuckets,
			},
			[]string{"endpoint"},
		),
	}

	registry.MustRegister(
		r.requestsTotal,
		r.commandsTotal,
		r.authFailures,
		r.systemdOperations,
		r.requestDuration,
	)
	return r
}

// Handler serves the text exposition format for this recorder's registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Request records one HTTP request.
func (r *Recorder) Request(endpoint, status string, duration time.Duration) {
	r.requestsTotal.WithLabelValues(endpoint, status).Inc()
	r.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// Command records one parsed chat command outcome.
func (r *Recorder) Command(command, status, user string) {
	r.commandsTotal.WithLabelValues(command, status, user).Inc()
}

// AuthFailure records one failed authentication.
func (r *Recorder) AuthFailure(reason string) {
	r.authFailures.WithLabelValues(reason).Inc()
}

// SystemdOperation records one agent unit operation.
func (r *Recorder) SystemdOperation(operation, agent, status string) {
	r.systemdOperations.WithLabelValues(operation, agent, status).Inc()
}
