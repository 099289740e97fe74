package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery results used as the "result" label on DeliveriesTotal.
const (
	DeliveryEnqueued  = "enqueued"
	DeliveryQueueFull = "queue_full"
	DeliveryClosed    = "closed"
)

// RelayMetrics holds Prometheus metrics for the connection registry and broadcast core.
type RelayMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ActiveRooms       prometheus.Gauge
	MessagesReceived  prometheus.Counter
	MessagesDropped   prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec
	DeliverErrors     prometheus.Counter
	ClosesTotal       *prometheus.CounterVec
	FanoutSize        prometheus.Histogram
}

// NewRelayMetrics creates and registers relay metrics on the given registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of connections currently joined to a room.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total number of connections that joined a room.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages accepted for broadcast.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages dropped because the sender's room was not found.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Per-recipient enqueue attempts, by result.",
		}, []string{"result"}),
		DeliverErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliver_errors_total",
			Help:      "Transport write failures while draining outbound queues.",
		}),
		ClosesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connection_closes_total",
			Help:      "Connections torn down, by reason.",
		}, []string{"reason"}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "broadcast_fanout_size",
			Help:      "Number of recipients per broadcast.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.ActiveRooms,
		m.MessagesReceived,
		m.MessagesDropped,
		m.DeliveriesTotal,
		m.DeliverErrors,
		m.ClosesTotal,
		m.FanoutSize,
	)
	return m
}
