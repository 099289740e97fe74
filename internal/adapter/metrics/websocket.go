package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for the WebSocket transport.
type WebSocketMetrics struct {
	Upgrades           prometheus.Counter
	Rejections         *prometheus.CounterVec
	ProtocolViolations prometheus.Counter
	InboundDropped     prometheus.Counter
	PingFailures       prometheus.Counter
	WriteDuration      prometheus.Histogram
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		Upgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "upgrades_total",
			Help:      "Total number of successful WebSocket upgrades.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejections_total",
			Help:      "Connection attempts rejected before joining, by reason.",
		}, []string{"reason"}),
		ProtocolViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "protocol_violations_total",
			Help:      "Connections closed for sending unsupported frames.",
		}),
		InboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages dropped by the per-connection rate limit.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "ping_failures_total",
			Help:      "Total number of failed keepalive pings.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "write_duration_seconds",
			Help:      "Time spent writing one message to a socket.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .5, 1},
		}),
	}

	reg.MustRegister(m.Upgrades, m.Rejections, m.ProtocolViolations, m.InboundDropped, m.PingFailures, m.WriteDuration)
	return m
}
