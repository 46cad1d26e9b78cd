package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	walAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "append_seconds",
		Help:      "Latency for appending operations to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walReplayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying log batches per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walBacklog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wal",
		Name:      "backlog_entries",
		Help:      "Log entries beyond the last snapshot per document.",
	}, []string{"document"})

	walTracer = otel.Tracer("github.com/example/collab-sync-engine/wal")
)

func init() {
	prometheus.MustRegister(walAppendLatency, walReplayLatency, walBacklog)
}
