package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	brokerMessages      *prometheus.CounterVec
	commandsDispatched  *prometheus.CounterVec
	commandClaims       *prometheus.CounterVec
	triggerRunsTotal    prometheus.Counter
	triggerRunDuration  prometheus.Histogram
}

// New creates a fresh Metrics registry with HTTP, broker, dispatch and
// scheduler metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lensclear",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by the coordination core",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lensclear",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by the coordination core",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	brokerMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lensclear",
		Name:      "broker_messages_total",
		Help:      "Device messages handled by the broker gateway, by class and outcome",
	}, []string{"class", "outcome"})

	commandsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lensclear",
		Name:      "commands_dispatched_total",
		Help:      "Command log entries created by the dispatcher, by push outcome",
	}, []string{"push"})

	commandClaims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lensclear",
		Name:      "command_claims_total",
		Help:      "HTTP pull claims against the pending command queue",
	}, []string{"outcome"})

	triggerRunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lensclear",
		Name:      "trigger_runs_total",
		Help:      "Total number of trigger executions",
	})

	triggerRunDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lensclear",
		Name:      "trigger_run_duration_seconds",
		Help:      "Duration of trigger executions from start to finish",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		brokerMessages,
		commandsDispatched,
		commandClaims,
		triggerRunsTotal,
		triggerRunDuration,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		brokerMessages:      brokerMessages,
		commandsDispatched:  commandsDispatched,
		commandClaims:       commandClaims,
		triggerRunsTotal:    triggerRunsTotal,
		triggerRunDuration:  triggerRunDuration,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncBrokerMessage counts one device message by class (telemetry, status,
// ack) and outcome (ok, malformed, error).
func (m *Metrics) IncBrokerMessage(class, outcome string) {
	if m == nil {
		return
	}
	m.brokerMessages.With(prometheus.Labels{"class": class, "outcome": outcome}).Inc()
}

// IncCommandDispatched counts one created log entry; push is "ok" or "failed".
func (m *Metrics) IncCommandDispatched(push string) {
	if m == nil {
		return
	}
	m.commandsDispatched.With(prometheus.Labels{"push": push}).Inc()
}

// IncCommandClaim counts one pull-path claim attempt; outcome is "claimed" or
// "empty".
func (m *Metrics) IncCommandClaim(outcome string) {
	if m == nil {
		return
	}
	m.commandClaims.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// IncTriggerRun increments the trigger execution counter.
func (m *Metrics) IncTriggerRun() {
	if m == nil {
		return
	}
	m.triggerRunsTotal.Inc()
}

// ObserveTriggerRunDuration observes one trigger execution duration.
func (m *Metrics) ObserveTriggerRunDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.triggerRunDuration.Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
