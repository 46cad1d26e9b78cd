package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	opsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "operations_applied_total",
		Help:      "Operations committed to the document engine.",
	}, []string{"document"})

	syncCatchUpSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hub",
		Name:      "sync_catch_up_ops",
		Help:      "Operations shipped per handshake to catch a replica up.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(opsApplied, syncCatchUpSize)
}

var tracer = otel.Tracer("github.com/example/collab-sync-engine/hub")
