package handle

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/metrics"
	"github.com/quasar-data/quasar/pkg/table"
)

func testTable(t *testing.T, rows int) *table.Table {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "symbol", Type: arrow.BinaryTypes.String},
		{Name: "price", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	data := make([][]interface{}, rows)
	for i := range data {
		data[i] = []interface{}{int64(i), fmt.Sprintf("SYM_%d", i%5), float64(i) * 2.5}
	}
	tbl, err := table.FromRows(schema, data)
	require.NoError(t, err)
	return tbl
}

// fakeClock lets tests march time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestManagerCreateAndGet(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	tbl := testTable(t, 10)
	defer tbl.Release()

	id := mgr.Create(tbl)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, mgr.Count())

	got, err := mgr.Get(id)
	require.NoError(t, err)
	assert.True(t, tbl.Equal(got))
	got.Release()
}

func TestManagerGetUnknown(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	_, err := mgr.Get("no-such-handle")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestManagerExpiryOnRead(t *testing.T) {
	clock := newFakeClock()
	mgr := NewManager(WithTTL(time.Minute), WithClock(clock.Now))
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	id := mgr.Create(tbl)

	clock.Advance(2 * time.Minute)

	_, err := mgr.Get(id)
	require.Error(t, err)
	assert.True(t, errors.IsExpired(err), "expiry must be distinguishable from not-found")
	assert.False(t, errors.IsNotFound(err))
	assert.Equal(t, 0, mgr.Count())
}

func TestManagerAccessRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	mgr := NewManager(WithTTL(time.Minute), WithClock(clock.Now))
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	id := mgr.Create(tbl)

	// Keep touching the handle just inside the TTL; it must stay alive
	// long past the original deadline.
	for i := 0; i < 5; i++ {
		clock.Advance(45 * time.Second)
		got, err := mgr.Get(id)
		require.NoError(t, err)
		got.Release()
	}
}

func TestManagerHeartbeat(t *testing.T) {
	clock := newFakeClock()
	mgr := NewManager(WithTTL(time.Minute), WithClock(clock.Now))
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	live := mgr.Create(tbl)
	stale := mgr.Create(tbl)

	expiredBefore := testutil.ToFloat64(metrics.HandlesExpired.WithLabelValues("heartbeat"))

	// Heartbeat only the first handle until the second has aged out.
	for i := 0; i < 3; i++ {
		clock.Advance(45 * time.Second)
		alive := mgr.Heartbeat([]string{live})
		assert.True(t, alive[live])
	}

	alive := mgr.Heartbeat([]string{live, stale, "missing"})
	assert.True(t, alive[live])
	assert.False(t, alive[stale])
	assert.False(t, alive["missing"])
	assert.Equal(t, 1, mgr.Count())

	// The expiry is attributed to the heartbeat path, not sweep or read.
	expiredAfter := testutil.ToFloat64(metrics.HandlesExpired.WithLabelValues("heartbeat"))
	assert.Equal(t, 1.0, expiredAfter-expiredBefore)
}

func TestManagerDrop(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	id := mgr.Create(tbl)

	require.NoError(t, mgr.Drop(id))
	assert.Equal(t, 0, mgr.Count())

	err := mgr.Drop(id)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestManagerDropIsIndependentOfReaders(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	tbl := testTable(t, 20)
	defer tbl.Release()
	id := mgr.Create(tbl)

	held, err := mgr.Get(id)
	require.NoError(t, err)

	require.NoError(t, mgr.Drop(id))

	// A reader that resolved before the drop keeps a valid table.
	assert.Equal(t, int64(20), held.NumRows())
	held.Release()
}

func TestManagerClone(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	tbl := testTable(t, 10)
	defer tbl.Release()
	id := mgr.Create(tbl)

	clone, err := mgr.Clone(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, clone)
	assert.Equal(t, 2, mgr.Count())

	// Dropping the original leaves the clone resolvable.
	require.NoError(t, mgr.Drop(id))
	got, err := mgr.Get(clone)
	require.NoError(t, err)
	assert.True(t, tbl.Equal(got))
	got.Release()
}

func TestManagerSweep(t *testing.T) {
	clock := newFakeClock()
	mgr := NewManager(WithTTL(time.Minute), WithClock(clock.Now))
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	for i := 0; i < 4; i++ {
		mgr.Create(tbl)
	}
	clock.Advance(30 * time.Second)
	fresh := mgr.Create(tbl)

	clock.Advance(45 * time.Second)

	removed := mgr.Sweep()
	assert.Equal(t, 4, removed)
	assert.Equal(t, 1, mgr.Count())
	assert.True(t, mgr.IsAlive(fresh))
}

func TestManagerIsAliveDoesNotRefresh(t *testing.T) {
	clock := newFakeClock()
	mgr := NewManager(WithTTL(time.Minute), WithClock(clock.Now))
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()
	id := mgr.Create(tbl)

	clock.Advance(45 * time.Second)
	assert.True(t, mgr.IsAlive(id))

	// The liveness check must not have refreshed the TTL.
	clock.Advance(30 * time.Second)
	assert.False(t, mgr.IsAlive(id))
}

func TestManagerConcurrentCreateAndDrop(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()

	tbl := testTable(t, 5)
	defer tbl.Release()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := mgr.Create(tbl)
				if got, err := mgr.Get(id); err == nil {
					got.Release()
				}
				_ = mgr.Drop(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, mgr.Count())
}
