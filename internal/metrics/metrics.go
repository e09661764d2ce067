// Package metrics exposes the storage core's Prometheus collectors as
// package-level vars. Registry builds a fresh registry holding all of
// them; nothing is registered with the global default registry, and no
// HTTP listener is started -- scraping is the embedding application's
// responsibility.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PageCacheHits / PageCacheMisses track the pager's LRU cache.
	PageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_page_cache_hits_total",
		Help: "Number of pager reads served from the in-memory page cache.",
	})
	PageCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_page_cache_misses_total",
		Help: "Number of pager reads that required a disk read.",
	})
	PagesAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_pages_allocated_total",
		Help: "Number of pages allocated from the bitmap.",
	})
	PagesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_pages_freed_total",
		Help: "Number of pages returned to the bitmap by GC/vacuum.",
	})

	// WAL metrics.
	WalFramesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_wal_frames_appended_total",
		Help: "Number of WAL frames appended, committed or not.",
	})
	WalCheckpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_wal_checkpoints_total",
		Help: "Number of WAL checkpoints performed.",
	})
	WalSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "galdrdb_wal_size_bytes",
		Help: "Current WAL file size in bytes.",
	})

	// MVCC metrics.
	ActiveSnapshots = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "galdrdb_active_snapshots",
		Help: "Number of transactions with a live snapshot.",
	})
	WriteConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_write_conflicts_total",
		Help: "Number of commits rejected by validate_and_install.",
	})
	VersionsCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "galdrdb_versions_collected_total",
		Help: "Number of document versions reclaimed by GC.",
	})
	CommitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "galdrdb_commit_latency_seconds",
		Help:    "Wall-clock time spent in Transaction.Commit.",
		Buckets: prometheus.DefBuckets,
	})
)

// Registry returns a fresh prometheus.Registry with all GaldrDb
// collectors registered. Callers that already run a registry of their
// own can register these vars directly instead.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		PageCacheHits,
		PageCacheMisses,
		PagesAllocated,
		PagesFreed,
		WalFramesAppended,
		WalCheckpoints,
		WalSize,
		ActiveSnapshots,
		WriteConflicts,
		VersionsCollected,
		CommitLatency,
	)
	return r
}
