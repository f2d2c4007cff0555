// Package metrics holds the Prometheus collectors for the sync gateway.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collabx metric name.
const Namespace = "collabx"

// Event outcomes recorded on events_total.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
	OutcomeRejected    = "rejected"
	OutcomeIgnored     = "ignored"
	OutcomeError       = "error"
)

// Metrics is the set of collectors registered on one registerer.
type Metrics struct {
	factory promauto.Factory

	eventsTotal       *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	rateLimited       *prometheus.CounterVec
	joinRejections    *prometheus.CounterVec
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	admissionDenied   prometheus.Counter
	slowConsumers     prometheus.Counter
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration against the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		factory: factory,

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "events_total",
			Help:      "Inbound events processed, by type and outcome",
		}, []string{"type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "event_duration_seconds",
			Help:      "Time spent handling one inbound event",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"type"}),

		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Events rejected by the per-connection rate limiter",
		}, []string{"type"}),

		joinRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "join_rejections_total",
			Help:      "JOIN attempts rejected, by reason",
		}, []string{"reason"}),

		connectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_opened_total",
			Help:      "WebSocket connections accepted",
		}),

		connectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_closed_total",
			Help:      "WebSocket connections closed",
		}),

		admissionDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "admission_denied_total",
			Help:      "Upgrade requests refused by the per-IP admission limiter",
		}),

		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their send buffer was full",
		}),
	}
}

// TrackGauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) TrackGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// ObserveEvent records the outcome and duration of one inbound event.
func (m *Metrics) ObserveEvent(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
	m.eventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// RateLimited counts one rate-limited event.
func (m *Metrics) RateLimited(eventType string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(eventType).Inc()
}

// JoinRejected counts one rejected JOIN.
func (m *Metrics) JoinRejected(reason string) {
	if m == nil {
		return
	}
	m.joinRejections.WithLabelValues(reason).Inc()
}

// ConnectionOpened counts an accepted WebSocket connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpened.Inc()
}

// ConnectionClosed counts a closed WebSocket connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsClosed.Inc()
}

// AdmissionDenied counts an upgrade refused by the admission limiter.
func (m *Metrics) AdmissionDenied() {
	if m == nil {
		return
	}
	m.admissionDenied.Inc()
}

// SlowConsumer counts a connection dropped for a full send buffer.
func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}
