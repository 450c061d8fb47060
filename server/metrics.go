package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/guseggert/rsupport/correlator"
	"github.com/guseggert/rsupport/heartbeat"
	"github.com/guseggert/rsupport/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the server's Prometheus metrics. Each server has its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Messages     *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Calls        *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	Transitions  *prometheus.CounterVec

	// RepliesDropped counts replies the correlator discarded, by reason. A rising "late"
	// count means the call timeout is shorter than clients need.
	RepliesDropped *prometheus.CounterVec
}

func NewMetrics(clients *registry.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsupport_messages_received_total",
			Help: "Messages received from clients, by subject kind.",
		}, []string{"kind"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsupport_messages_dropped_total",
			Help: "Messages from clients that were dropped, by reason.",
		}, []string{"reason"}),
		RepliesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsupport_replies_dropped_total",
			Help: "Replies that matched no outstanding call, by reason.",
		}, []string{"reason"}),
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsupport_calls_total",
			Help: "Requests sent to clients, by request type and outcome.",
		}, []string{"type", "outcome"}),
		CallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rsupport_call_duration_seconds",
			Help:    "Time from sending a request to its outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"type"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rsupport_client_transitions_total",
			Help: "Liveness transitions made by the heartbeat monitor.",
		}, []string{"transition"}),
	}
	for _, status := range []registry.Status{registry.StatusActive, registry.StatusStale, registry.StatusUnresponsive} {
		status := status
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "rsupport_clients",
			Help:        "Registered clients, by status.",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 {
			return float64(clients.Counts()[status])
		})
	}
	return m
}

func (m *Metrics) observeCall(r correlator.CallResult) {
	m.Calls.WithLabelValues(string(r.Type), outcome(r.Err)).Inc()
	m.CallDuration.WithLabelValues(string(r.Type)).Observe(r.Duration.Seconds())
}

func (m *Metrics) observeReplyDrop(reason correlator.DropReason) {
	m.RepliesDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) observeSweep(changes []heartbeat.Change) {
	for _, c := range changes {
		m.Transitions.WithLabelValues(c.Transition.String()).Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, correlator.ErrClientUnavailable):
		return "unavailable"
	case errors.Is(err, correlator.ErrTimeout):
		return "timeout"
	case errors.Is(err, correlator.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry to tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }
