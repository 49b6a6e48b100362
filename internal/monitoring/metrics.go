package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_current",
		Help: "Number of currently connected client nodes",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total accepted client connections",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_rejected_total",
		Help: "Connections refused by admission control or shutdown",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Outbound envelopes written to transports",
	})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_received_total",
		Help: "Inbound frames read from transports",
	})

	MethodCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_method_calls_total",
		Help: "Method dispatches by outcome code (ok or error code)",
	}, []string{"code"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Method calls denied by the per-node token bucket",
	})

	KeepAliveDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_keepalive_disconnects_total",
		Help: "Connections closed by keep-alive timeout",
	})

	BrokerPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_published_total",
		Help: "Cluster events published to the broker",
	})

	BrokerReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_received_total",
		Help: "Cluster events received from the broker",
	})

	BrokerLoopDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_broker_loop_dropped_total",
		Help: "Broker deliveries dropped by origin-id loop suppression",
	})

	EventsPropagated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_propagated_total",
		Help: "Event envelopes fanned out to local subscribers",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
