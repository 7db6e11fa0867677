// Package obsv wires the service's self-observability: Prometheus
// counters/gauges for the ingest and feed planes, and a periodic
// self-process CPU sampler that feeds ingest admission control.
package obsv

import "github.com/prometheus/client_golang/prometheus"

var (
	IngestConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_ingest_connections_total",
		Help: "Total ingest connections accepted.",
	})

	IngestConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_ingest_connections_active",
		Help: "Ingest connections currently open.",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_connections_rejected_total",
		Help: "Connections rejected before upgrade, by plane and reason.",
	}, []string{"plane", "reason"})

	IngestFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_ingest_frames_total",
		Help: "Total decoded ingest frames processed.",
	})

	IngestFramesInvalid = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_ingest_frames_invalid_total",
		Help: "Ingest frames that failed to decode, by message kind (or \"unknown\").",
	}, []string{"kind"})

	FeedConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_feed_connections_total",
		Help: "Total feed connections accepted.",
	})

	FeedConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_feed_connections_active",
		Help: "Feed connections currently open.",
	})

	FeedBroadcastBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_feed_broadcast_bytes",
		Help:    "Size of each serialized broadcast batch written to feeds.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	})

	ChainsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_chains_active",
		Help: "Number of chains currently tracked.",
	})

	NodesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_nodes_active",
		Help: "Number of nodes currently tracked across all chains.",
	})

	NodesTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_nodes_timed_out_total",
		Help: "Nodes removed for exceeding the ingest liveness timeout.",
	})

	SelfCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_self_cpu_percent",
		Help: "Self-process CPU usage percent, sampled periodically.",
	})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_rate_limit_rejections_total",
		Help: "Connections rejected by the per-source-IP rate limiter, by plane.",
	}, []string{"plane"})
)

func init() {
	prometheus.MustRegister(
		IngestConnectionsTotal,
		IngestConnectionsActive,
		ConnectionsRejected,
		IngestFramesTotal,
		IngestFramesInvalid,
		FeedConnectionsTotal,
		FeedConnectionsActive,
		FeedBroadcastBytes,
		ChainsActive,
		NodesActive,
		NodesTimedOut,
		SelfCPUPercent,
		RateLimitRejections,
	)
}
