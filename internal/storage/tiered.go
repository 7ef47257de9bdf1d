package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/metrics"
	"github.com/quasar-data/quasar/pkg/table"
)

// TieredStorage composes the hot cache, the compressed store and the
// analytic backend behind one store/load/query contract.
//
// Store is synchronous against the cache and asynchronous against the
// compressed store: the caller sees the new table immediately, while a
// background worker persists the artifact. A persistence failure never
// fails the caller's Store; it is retried, then logged and counted, so
// operators can see durability gaps in Stats.
//
// SmartLoad is strictly read-through: a cache miss that finds an artifact
// decompresses it and warms the cache, making the next load a hit.
type TieredStorage struct {
	cache    *HotCache
	cold     *ColdStore
	analytic AnalyticBackend
	log      *zap.Logger

	persistCh      chan persistJob
	persistRetries int
	workerWG       sync.WaitGroup
	jobWG          sync.WaitGroup

	// stateMu orders enqueues against shutdown: Store enqueues under the
	// read side, Close flips closed under the write side, so no send can
	// land on persistCh after Close starts draining it.
	stateMu sync.RWMutex
	closed  atomic.Bool

	persistFailures atomic.Int64
	persistPending  atomic.Int64

	coldStats   atomic.Pointer[ColdStats]
	coldStatsAt atomic.Int64
	refreshing  atomic.Bool
}

type persistJob struct {
	key string
	tbl *table.Table
}

// TieredOptions configures a TieredStorage.
type TieredOptions struct {
	Cache          *HotCache
	Cold           *ColdStore
	Analytic       AnalyticBackend
	QueueSize      int
	PersistRetries int
}

// coldStatsMaxAge bounds how stale the cached artifact aggregates may be
// before Stats kicks off a background refresh.
const coldStatsMaxAge = 5 * time.Second

// NewTieredStorage assembles the tiers and starts the persistence worker.
func NewTieredStorage(opts TieredOptions) *TieredStorage {
	if opts.Analytic == nil {
		opts.Analytic = NewUnconfiguredAnalyticBackend()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PersistRetries <= 0 {
		opts.PersistRetries = 3
	}

	ts := &TieredStorage{
		cache:          opts.Cache,
		cold:           opts.Cold,
		analytic:       opts.Analytic,
		log:            logger.With(zap.String("component", "tiered_storage")),
		persistCh:      make(chan persistJob, opts.QueueSize),
		persistRetries: opts.PersistRetries,
	}
	ts.coldStats.Store(&ColdStats{CompressionRatio: 1.0})

	ts.workerWG.Add(1)
	go ts.persistWorker()

	return ts
}

// Store makes the table immediately visible under key in the hot cache and
// schedules asynchronous persistence to the compressed store. The returned
// error only reflects synchronous admission problems; durability failures
// surface through Stats and the persist-failure counter.
func (ts *TieredStorage) Store(ctx context.Context, key string, tbl *table.Table) error {
	ts.stateMu.RLock()
	defer ts.stateMu.RUnlock()
	if ts.closed.Load() {
		return errors.New(errors.ErrorTypeStorageIO, "storage is shut down")
	}

	if err := ts.cache.Put(key, tbl); err != nil {
		// A table too large for the cache is still persisted; reads fall
		// through to the compressed store.
		ts.log.Warn("table not admitted to hot cache", zap.String("key", key), zap.Error(err))
	}

	tbl.Retain()
	ts.jobWG.Add(1)
	ts.persistPending.Add(1)
	metrics.PersistQueueDepth.Set(float64(ts.persistPending.Load()))

	select {
	case ts.persistCh <- persistJob{key: key, tbl: tbl}:
		return nil
	case <-ctx.Done():
		tbl.Release()
		ts.jobWG.Done()
		ts.persistPending.Add(-1)
		return errors.Wrap(ctx.Err(), errors.ErrorTypeStorageIO, "store cancelled while enqueueing persistence")
	}
}

// SmartLoad resolves key through the tiers: hot cache first, then the
// compressed store (warming the cache on the way out). The caller owns the
// returned table's reference. Missing keys return not-found; artifact
// read/decode failures return storage errors, never a silent miss.
func (ts *TieredStorage) SmartLoad(ctx context.Context, key string) (*table.Table, error) {
	if tbl, ok := ts.cache.Get(key); ok {
		return tbl, nil
	}

	tbl, err := ts.cold.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	// Warm the cache so the next load for this key is a hit.
	if err := ts.cache.Put(key, tbl); err != nil {
		ts.log.Debug("cache warm skipped", zap.String("key", key), zap.Error(err))
	}
	return tbl, nil
}

// Query delegates SQL verbatim to the analytic backend. Results bypass the
// cache: ad hoc queries spanning many artifacts would only thrash it.
func (ts *TieredStorage) Query(ctx context.Context, sql string) (*table.Table, error) {
	return ts.analytic.Query(ctx, sql)
}

// ProxyQuery relays sql to the analytic backend and returns its reply
// untouched. Backends without a raw passthrough report unimplemented.
func (ts *TieredStorage) ProxyQuery(ctx context.Context, sql string, limit int) (*ProxyResult, error) {
	proxy, ok := ts.analytic.(ExecProxy)
	if !ok {
		return nil, errors.New(errors.ErrorTypeUnimplemented,
			"no analytic engine configured; set ANALYTIC_URL to enable SQL queries")
	}
	return proxy.ProxyExec(ctx, sql, limit)
}

// Delete removes key from both tiers.
func (ts *TieredStorage) Delete(ctx context.Context, key string) error {
	ts.cache.Remove(key)
	return ts.cold.Delete(key)
}

// ListKeys lists keys in the compressed store, the authoritative namespace.
func (ts *TieredStorage) ListKeys() ([]string, error) {
	return ts.cold.ListKeys()
}

// Statistics is a point-in-time, advisory view of the storage layer.
// Cold-tier aggregates are recomputed lazily in the background; none of
// these values gate correctness.
type Statistics struct {
	CacheHits          int64   `json:"cache_hits"`
	CacheMisses        int64   `json:"cache_misses"`
	CacheHitRate       float64 `json:"cache_hit_rate"`
	CacheEntries       int     `json:"cache_entries"`
	CacheResidentBytes int64   `json:"cache_resident_bytes"`
	CacheEvictions     int64   `json:"cache_evictions"`
	TotalKeys          int     `json:"total_keys"`
	TotalRows          int64   `json:"total_rows"`
	CompressedBytes    int64   `json:"compressed_bytes"`
	UncompressedBytes  int64   `json:"uncompressed_bytes"`
	CompressionRatio   float64 `json:"compression_ratio"`
	PersistFailures    int64   `json:"persist_failures"`
	PersistPending     int64   `json:"persist_pending"`
}

// Stats returns current counters without blocking on storage I/O. The
// cold-tier aggregates come from a cached scan refreshed asynchronously
// when older than a few seconds.
func (ts *TieredStorage) Stats() *Statistics {
	ts.maybeRefreshColdStats()
	cold := ts.coldStats.Load()

	return &Statistics{
		CacheHits:          ts.cache.Hits(),
		CacheMisses:        ts.cache.Misses(),
		CacheHitRate:       ts.cache.HitRate(),
		CacheEntries:       ts.cache.Len(),
		CacheResidentBytes: ts.cache.ResidentBytes(),
		CacheEvictions:     ts.cache.Evictions(),
		TotalKeys:          cold.TotalKeys,
		TotalRows:          cold.TotalRows,
		CompressedBytes:    cold.CompressedBytes,
		UncompressedBytes:  cold.UncompressedBytes,
		CompressionRatio:   cold.CompressionRatio,
		PersistFailures:    ts.persistFailures.Load(),
		PersistPending:     ts.persistPending.Load(),
	}
}

// RefreshColdStats synchronously rescans artifact headers. Foreground
// paths use the lazy background refresh instead; this exists for startup
// seeding and tests.
func (ts *TieredStorage) RefreshColdStats() error {
	stats, err := ts.cold.Stats()
	if err != nil {
		return err
	}
	ts.coldStats.Store(stats)
	ts.coldStatsAt.Store(time.Now().UnixNano())
	return nil
}

// PersistFailureCount returns the number of artifacts that failed to
// persist after all retries.
func (ts *TieredStorage) PersistFailureCount() int64 {
	return ts.persistFailures.Load()
}

// Flush blocks until every queued persistence job has been attempted.
// Intended for tests and graceful shutdown.
func (ts *TieredStorage) Flush() {
	ts.jobWG.Wait()
}

// Close drains the persistence queue and stops the worker. Store calls
// after Close fail.
func (ts *TieredStorage) Close() {
	ts.stateMu.Lock()
	alreadyClosed := ts.closed.Swap(true)
	ts.stateMu.Unlock()
	if alreadyClosed {
		return
	}
	ts.jobWG.Wait()
	close(ts.persistCh)
	ts.workerWG.Wait()
}

func (ts *TieredStorage) persistWorker() {
	defer ts.workerWG.Done()

	for job := range ts.persistCh {
		ts.persistOne(job)
		job.tbl.Release()
		ts.persistPending.Add(-1)
		metrics.PersistQueueDepth.Set(float64(ts.persistPending.Load()))
		ts.jobWG.Done()
	}
}

func (ts *TieredStorage) persistOne(job persistJob) {
	var lastErr error
	for attempt := 1; attempt <= ts.persistRetries; attempt++ {
		lastErr = ts.cold.Store(context.Background(), job.key, job.tbl)
		if lastErr == nil {
			metrics.ArtifactsWritten.Inc()
			ts.invalidateColdStats()
			return
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}

	// The cache copy remains authoritative; it just will not survive a
	// restart. Operators watch this counter.
	ts.persistFailures.Add(1)
	metrics.PersistFailures.Inc()
	ts.log.Error("artifact persistence failed after retries",
		zap.String("key", job.key),
		zap.Int("attempts", ts.persistRetries),
		zap.Error(lastErr))
}

func (ts *TieredStorage) invalidateColdStats() {
	ts.coldStatsAt.Store(0)
}

func (ts *TieredStorage) maybeRefreshColdStats() {
	last := ts.coldStatsAt.Load()
	if time.Since(time.Unix(0, last)) < coldStatsMaxAge {
		return
	}
	if !ts.refreshing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer ts.refreshing.Store(false)
		stats, err := ts.cold.Stats()
		if err != nil {
			ts.log.Warn("cold stats refresh failed", zap.Error(err))
			return
		}
		ts.coldStats.Store(stats)
		ts.coldStatsAt.Store(time.Now().UnixNano())
	}()
}
