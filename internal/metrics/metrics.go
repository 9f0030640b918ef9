// v0
// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as label values on the dropped-votes counter.
const (
	DropUnbound   = "unbound_reader"
	DropMalformed = "malformed"
	DropQueueFull = "queue_full"
	DropPhase     = "wrong_phase"
	DropAbandoned = "abandoned"
)

// Metrics groups the vote machine collectors. All methods are nil-safe so
// components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	votesPublished  *prometheus.CounterVec
	votesDropped    *prometheus.CounterVec
	votesLost       prometheus.Counter
	publishRetries  prometheus.Counter
	publishDuration prometheus.Histogram
	readersActive   prometheus.Gauge
	bindings        prometheus.Gauge
	cbState         *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		votesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfcvote_votes_published_total",
			Help: "Vote events acknowledged by the bus, by vote value.",
		}, []string{"value"}),
		votesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfcvote_votes_dropped_total",
			Help: "Tag events that did not become vote events, by reason.",
		}, []string{"reason"}),
		votesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfcvote_votes_lost_total",
			Help: "Vote events whose publish failed after the retry.",
		}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nfcvote_publish_retries_total",
			Help: "Publish attempts repeated after a first failure.",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nfcvote_publish_duration_seconds",
			Help:    "Duration of individual publish attempts.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		readersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfcvote_readers_active",
			Help: "NFC readers currently attached.",
		}),
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfcvote_bindings",
			Help: "Reader bindings in the active snapshot.",
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfcvote_cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nfcvote_http_requests_total",
			Help: "Status API requests by route and status.",
		}, []string{"route", "status"}),
	}
	m.registry.MustRegister(
		m.votesPublished,
		m.votesDropped,
		m.votesLost,
		m.publishRetries,
		m.publishDuration,
		m.readersActive,
		m.bindings,
		m.cbState,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) VotePublished(value string) {
	if m == nil {
		return
	}
	m.votesPublished.WithLabelValues(value).Inc()
}

func (m *Metrics) VoteDropped(reason string) {
	if m == nil {
		return
	}
	m.votesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) VoteLost() {
	if m == nil {
		return
	}
	m.votesLost.Inc()
}

func (m *Metrics) PublishRetried() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

func (m *Metrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publishDuration.Observe(d.Seconds())
}

func (m *Metrics) SetReadersActive(n int) {
	if m == nil {
		return
	}
	m.readersActive.Set(float64(n))
}

func (m *Metrics) SetBindings(n int) {
	if m == nil {
		return
	}
	m.bindings.Set(float64(n))
}

func (m *Metrics) SetCircuitBreakerState(target string, state float64) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(state)
}

func (m *Metrics) HTTPRequest(route string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
