// Package handle manages the lifecycle of table handles: opaque identifiers
// clients hold instead of table payloads. Handles carry a TTL refreshed by
// access or heartbeat; expiry is enforced both by a periodic sweep and by a
// read-side check, so a stopped sweeper never resurrects dead handles.
package handle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/logger"
	"github.com/quasar-data/quasar/pkg/metrics"
	"github.com/quasar-data/quasar/pkg/table"
)

const (
	// DefaultTTL is the handle lifetime when none is configured.
	DefaultTTL = time.Hour

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// entry is one live handle. lastAccess drives expiry: a handle dies when
// now - lastAccess exceeds its ttl, regardless of age.
type entry struct {
	tbl        *table.Table
	createdAt  time.Time
	lastAccess time.Time
	ttl        time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.lastAccess) > e.ttl
}

// Manager owns the in-memory handle table. All methods are safe for
// concurrent use. The manager holds one table reference per handle and
// releases it on drop or expiry; callers of Get receive their own
// reference and must release it.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl           time.Duration
	sweepInterval time.Duration
	log           *zap.Logger

	// now is swappable for expiry tests
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the default handle lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often the background sweep runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithClock overrides the time source. Tests use this to force expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty handle manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries:       make(map[string]*entry),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		log:           logger.With(zap.String("component", "handle_manager")),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers tbl under a fresh handle ID and returns the ID. The
// manager takes its own reference; the caller keeps theirs.
func (m *Manager) Create(tbl *table.Table) string {
	id := uuid.New().String()
	now := m.now()

	tbl.Retain()
	m.mu.Lock()
	m.entries[id] = &entry{
		tbl:        tbl,
		createdAt:  now,
		lastAccess: now,
		ttl:        m.ttl,
	}
	count := len(m.entries)
	m.mu.Unlock()

	metrics.ActiveHandles.Set(float64(count))
	m.log.Debug("handle created", zap.String("handle", id), zap.Int64("rows", tbl.NumRows()))
	return id
}

// Get resolves a handle to its table, refreshing the TTL. The caller owns
// the returned reference. An expired handle is removed on the spot and
// reported as expired, not as missing: the client learns its handle died
// of old age rather than never existing.
func (m *Manager) Get(id string) (*table.Table, error) {
	now := m.now()

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrorTypeNotFound, "handle %s not found", id)
	}
	if e.expired(now) {
		delete(m.entries, id)
		count := len(m.entries)
		m.mu.Unlock()

		e.tbl.Release()
		metrics.ActiveHandles.Set(float64(count))
		metrics.HandlesExpired.WithLabelValues("read").Inc()
		return nil, errors.Newf(errors.ErrorTypeExpired, "handle %s expired", id)
	}
	e.lastAccess = now
	tbl := e.tbl
	tbl.Retain()
	m.mu.Unlock()

	return tbl, nil
}

// Heartbeat refreshes the TTL of each listed handle and reports, per ID,
// whether the handle is still alive. Expired handles encountered here are
// removed and reported false.
func (m *Manager) Heartbeat(ids []string) map[string]bool {
	now := m.now()
	alive := make(map[string]bool, len(ids))

	var released []*table.Table
	m.mu.Lock()
	for _, id := range ids {
		e, ok := m.entries[id]
		if !ok {
			alive[id] = false
			continue
		}
		if e.expired(now) {
			delete(m.entries, id)
			released = append(released, e.tbl)
			alive[id] = false
			continue
		}
		e.lastAccess = now
		alive[id] = true
	}
	count := len(m.entries)
	m.mu.Unlock()

	for _, tbl := range released {
		tbl.Release()
		metrics.HandlesExpired.WithLabelValues("heartbeat").Inc()
	}
	metrics.ActiveHandles.Set(float64(count))
	return alive
}

// Drop removes a handle and releases the manager's table reference.
// Dropping an unknown handle returns not-found.
func (m *Manager) Drop(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	count := len(m.entries)
	m.mu.Unlock()

	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "handle %s not found", id)
	}
	e.tbl.Release()
	metrics.ActiveHandles.Set(float64(count))
	m.log.Debug("handle dropped", zap.String("handle", id))
	return nil
}

// Clone registers the table behind id under a second, independent handle.
// The table payload is shared; each handle carries its own TTL clock.
func (m *Manager) Clone(id string) (string, error) {
	tbl, err := m.Get(id)
	if err != nil {
		return "", err
	}
	clone := m.Create(tbl)
	tbl.Release()
	return clone, nil
}

// IsAlive reports whether id refers to a live, unexpired handle without
// refreshing its TTL.
func (m *Manager) IsAlive(id string) bool {
	now := m.now()
	m.mu.RLock()
	e, ok := m.entries[id]
	alive := ok && !e.expired(now)
	m.mu.RUnlock()
	return alive
}

// Count returns the number of registered handles, including any that have
// expired but not yet been swept.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes every expired handle and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.now()

	var released []*table.Table
	m.mu.Lock()
	for id, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, id)
			released = append(released, e.tbl)
		}
	}
	count := len(m.entries)
	m.mu.Unlock()

	for _, tbl := range released {
		tbl.Release()
		metrics.HandlesExpired.WithLabelValues("sweep").Inc()
	}
	metrics.ActiveHandles.Set(float64(count))

	if len(released) > 0 {
		m.log.Info("swept expired handles",
			zap.Int("removed", len(released)),
			zap.Int("remaining", count))
	}
	return len(released)
}

// Run sweeps on the configured interval until ctx is cancelled. Handles
// remaining at shutdown are released.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close drops every handle and releases the backing tables.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.tbl.Release()
	}
	metrics.ActiveHandles.Set(0)
}
