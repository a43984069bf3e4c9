// Package metrics holds the Prometheus collectors for the stream client.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"larkstream/internal/domain"
)

const namespace = "larkstream"

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connected         prometheus.Gauge
	state             *prometheus.GaugeVec
	negotiations      *prometheus.CounterVec
	reconnectAttempts prometheus.Counter
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	fragmentsEvicted  *prometheus.CounterVec
	eventsDispatched  *prometheus.CounterVec
	dispatchDuration  prometheus.Histogram
	outboxDepth       prometheus.Gauge
	busRejected       *prometheus.CounterVec
	handlerPanics     prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "Whether the WebSocket connection is established (1 or 0)",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state)",
		}, []string{"state"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Endpoint negotiations by outcome",
		}, []string{"outcome"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Decoded frames by method",
		}, []string{"method"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the socket by type",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded as malformed, by error code",
		}, []string{"reason"}),
		fragmentsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_evicted_total",
			Help:      "Incomplete messages dropped by the reassembler",
		}, []string{"reason"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Reassembled events handed to the dispatcher, by outcome",
		}, []string{"type", "outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to hand one event to the dispatcher",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Frames queued for the sender loop",
		}),
		busRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_rejected_total",
			Help:      "Events the bus refused, by reason",
		}, []string{"event", "reason"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_panics_total",
			Help:      "Recovered panics in event handlers",
		}),
	}
	m.reg.MustRegister(
		m.connected,
		m.state,
		m.negotiations,
		m.reconnectAttempts,
		m.framesReceived,
		m.framesSent,
		m.framesDropped,
		m.fragmentsEvicted,
		m.eventsDispatched,
		m.dispatchDuration,
		m.outboxDepth,
		m.busRejected,
		m.handlerPanics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

var allStates = []domain.State{
	domain.StateIdle,
	domain.StateNegotiating,
	domain.StateConnecting,
	domain.StateConnected,
	domain.StateReconnecting,
	domain.StateClosed,
}

func (m *Metrics) SetState(s domain.State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
	if s == domain.StateConnected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) Negotiation(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(domain.ErrorCodeOf(err))
	}
	m.negotiations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) FrameReceived(method domain.Method) {
	if m != nil {
		m.framesReceived.WithLabelValues(method.String()).Inc()
	}
}

func (m *Metrics) FrameSent(typ string) {
	if m != nil {
		m.framesSent.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) FrameDropped(err error) {
	if m != nil {
		m.framesDropped.WithLabelValues(string(domain.ErrorCodeOf(err))).Inc()
	}
}

func (m *Metrics) FragmentEvicted(reason string) {
	if m != nil {
		m.fragmentsEvicted.WithLabelValues(reason).Inc()
	}
}

// EventDelivered records one hand-off to the dispatcher.
func (m *Metrics) EventDelivered(typ string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.eventsDispatched.WithLabelValues(typ, outcome).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetOutboxDepth(n int) {
	if m != nil {
		m.outboxDepth.Set(float64(n))
	}
}

// EventDispatched, EventRejected and HandlerPanicked make Metrics an
// event bus observer.
func (m *Metrics) EventDispatched(domain.EventType) {}

func (m *Metrics) EventRejected(t domain.EventType, reason domain.ErrorCode) {
	if m != nil {
		m.busRejected.WithLabelValues(string(t), string(reason)).Inc()
	}
}

func (m *Metrics) HandlerPanicked(domain.EventType) {
	if m != nil {
		m.handlerPanics.Inc()
	}
}
