package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_record_seconds",
		Help:      "Time spent applying logged operations to document stores.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of document stores loaded in memory.",
	})

	pendingDeleteDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "pending_delete_drops_total",
		Help:      "Deletes evicted because their insert never arrived.",
	})
)

func init() {
	prometheus.MustRegister(applyLatency, documentCount, pendingDeleteDrops)
}
