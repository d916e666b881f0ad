// Package metrics holds the Prometheus collectors shared by the server
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crdtsync_sessions_active",
		Help: "Connection sessions attached on this process",
	})

	DocumentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crdtsync_documents_active",
		Help: "Documents held in memory on this process",
	})

	DeltasApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crdtsync_deltas_applied_total",
		Help: "Updates merged into in-memory documents",
	})

	DeltasRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdtsync_deltas_rejected_total",
		Help: "Inbound updates dropped, by reason",
	}, []string{"reason"})

	Stores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdtsync_stores_total",
		Help: "Snapshot store calls by result",
	}, []string{"result"})

	StoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crdtsync_store_duration_seconds",
		Help:    "Snapshot store latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	AdmissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdtsync_admission_rejections_total",
		Help: "Connection attempts rejected before upgrade",
	}, []string{"reason"})

	BridgePublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crdtsync_bridge_publish_errors_total",
		Help: "Bridge publishes that failed or were dropped",
	})

	BridgeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crdtsync_bridge_dropped_total",
		Help: "Inbound bridge messages dropped because a document inbox was full",
	})

	BrokerUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crdtsync_broker_up",
		Help: "1 when the pub/sub broker is reachable",
	})

	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crdtsync_slow_consumers_total",
		Help: "Sessions closed because their send buffer was full",
	})

	RouterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crdtsync_router_requests_total",
		Help: "Requests proxied by the sticky router, by backend",
	}, []string{"backend"})
)
