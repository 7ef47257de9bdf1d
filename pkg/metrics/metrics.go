// Package metrics provides Prometheus collectors for Quasar's operational
// surface: cache behavior, artifact persistence, and handle lifecycle.
// Partial failures that are deliberately hidden from callers (asynchronous
// persistence errors in particular) are only observable here, so operators
// must scrape these counters to detect durability gaps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts hot cache hits per storage key namespace.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_cache_hits_total",
			Help: "Total number of hot cache hits",
		},
	)

	// CacheMisses counts hot cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_cache_misses_total",
			Help: "Total number of hot cache misses",
		},
	)

	// CacheEvictions counts LRU evictions forced by the byte budget.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		},
	)

	// CacheResidentBytes tracks current cache residency against the budget.
	CacheResidentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quasar_cache_resident_bytes",
			Help: "Bytes currently resident in the hot cache",
		},
	)

	// ArtifactsWritten counts successfully persisted artifacts.
	ArtifactsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_artifacts_written_total",
			Help: "Total number of artifacts persisted to the compressed store",
		},
	)

	// PersistFailures counts artifact writes that failed after all retries.
	// A non-zero rate means cache-only entries exist that would not survive
	// a restart.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quasar_persist_failures_total",
			Help: "Total number of asynchronous artifact persistence failures",
		},
	)

	// PersistQueueDepth tracks the async persistence backlog.
	PersistQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quasar_persist_queue_depth",
			Help: "Entries waiting in the asynchronous persistence queue",
		},
	)

	// ActiveHandles tracks live handles in the in-memory manager.
	ActiveHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quasar_active_handles",
			Help: "Number of live handles in the handle manager",
		},
	)

	// HandlesExpired counts handles removed by TTL, split by where the
	// expiry was detected.
	HandlesExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quasar_handles_expired_total",
			Help: "Total number of handles removed by TTL expiry",
		},
		[]string{"path"}, // sweep, read or heartbeat
	)

	// RequestLatency tracks dispatcher operation latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "quasar_request_latency_seconds",
			Help: "Dispatcher operation latency in seconds",
			Buckets: []float64{
				0.0001, // 100μs - cache hits
				0.001,  // 1ms - in-memory operations
				0.01,   // 10ms - artifact decompression
				0.1,    // 100ms - large tables
				1,      // 1s - analytic queries
				10,     // 10s - worst case
			},
		},
		[]string{"operation", "status"},
	)
)
