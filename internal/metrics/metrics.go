// Package metrics exposes Prometheus counters for the widget session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the session counters on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submits         prometheus.Counter
	sendFailures    prometheus.Counter
	replies         *prometheus.CounterVec
	realtimeErrors  prometheus.Counter
	malformedFrames prometheus.Counter
}

// New creates and registers the counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwidget_submits_total",
			Help: "Messages submitted by the visitor.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwidget_send_failures_total",
			Help: "Submits that failed to reach the backend.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatwidget_replies_total",
			Help: "Replies received over the realtime channel, by actor.",
		}, []string{"actor"}),
		realtimeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwidget_realtime_errors_total",
			Help: "Realtime connection failures.",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatwidget_malformed_frames_total",
			Help: "Inbound frames dropped because they could not be parsed.",
		}),
	}
	m.registry.MustRegister(m.submits, m.sendFailures, m.replies, m.realtimeErrors, m.malformedFrames)
	return m
}

func (m *Metrics) IncSubmits() {
	if m != nil {
		m.submits.Inc()
	}
}

func (m *Metrics) IncSendFailures() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

// IncReplies counts one reply from actor, e.g. "BOT".
func (m *Metrics) IncReplies(actor string) {
	if m != nil {
		m.replies.WithLabelValues(actor).Inc()
	}
}

func (m *Metrics) IncRealtimeErrors() {
	if m != nil {
		m.realtimeErrors.Inc()
	}
}

func (m *Metrics) IncMalformedFrames() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the counters in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
