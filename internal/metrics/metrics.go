// Package metrics exposes transport counters and gauges to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meshcommons/meshbridge/internal/transport"
)

// Config selects where collectors are registered.
type Config struct {
	// Namespace prefixes every metric (default: "meshbridge").
	Namespace string
	// Registry is the Prometheus registerer.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Transport implements transport.Recorder.
type Transport struct {
	framesSent        prometheus.Counter
	messagesSent      prometheus.Counter
	messagesQueued    prometheus.Counter
	messagesDropped   prometheus.Counter
	reconnectAttempts *prometheus.CounterVec
	reconnectCycles   *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	state             *prometheus.GaugeVec
}

var _ transport.Recorder = (*Transport)(nil)

var states = []transport.ConnectionState{
	transport.StateDisconnected,
	transport.StateConnecting,
	transport.StateConnected,
	transport.StateReconnecting,
}

// NewTransport registers the transport collectors.
func NewTransport(cfg Config) *Transport {
	if cfg.Namespace == "" {
		cfg.Namespace = "meshbridge"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(cfg.Registry)

	t := &Transport{
		framesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Radio frames written to the device.",
		}),
		messagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "messages_sent_total",
			Help:      "Messages fully transmitted.",
		}),
		messagesQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "messages_queued_total",
			Help:      "Messages placed on the outbound queue.",
		}),
		messagesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped as undeliverable.",
		}),
		reconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by position in the retry schedule.",
		}, []string{"attempt"}),
		reconnectCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "reconnect_cycles_total",
			Help:      "Completed reconnection cycles by result.",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Messages waiting on the outbound queue.",
		}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	return t
}

func (t *Transport) FrameSent()      { t.framesSent.Inc() }
func (t *Transport) MessageSent()    { t.messagesSent.Inc() }
func (t *Transport) MessageQueued()  { t.messagesQueued.Inc() }
func (t *Transport) MessageDropped() { t.messagesDropped.Inc() }

func (t *Transport) ReconnectAttempt(attempt int) {
	t.reconnectAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (t *Transport) ReconnectResult(ok bool) {
	result := "failed"
	if ok {
		result = "restored"
	}
	t.reconnectCycles.WithLabelValues(result).Inc()
}

func (t *Transport) SetQueueDepth(n int) { t.queueDepth.Set(float64(n)) }

func (t *Transport) SetState(s transport.ConnectionState) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		t.state.WithLabelValues(st.String()).Set(v)
	}
}
