package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per document.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections)
}

var tracer = otel.Tracer("github.com/example/collab-sync-engine/ws")
