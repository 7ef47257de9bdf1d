// Package pool provides typed object pooling for Quasar's serialization
// hot paths. Every table materialization and artifact write runs through
// a scratch buffer; recycling them keeps large-table workloads from
// churning the garbage collector.
package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool wraps sync.Pool with type safety and an optional reset hook
// applied before an object is returned to the pool.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a pool. The factory is called when the pool is empty; the
// reset hook, if non-nil, runs on every Put.
func New[T any](factory func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		p.misses.Add(1)
		return factory()
	}
	return p
}

// Get returns a pooled or freshly allocated object.
func (p *Pool[T]) Get() T {
	p.hits.Add(1)
	return p.pool.Get().(T)
}

// Put returns an object to the pool after resetting it.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// Stats reports pool effectiveness: gets served and factory calls.
func (p *Pool[T]) Stats() (gets, allocs int64) {
	return p.hits.Load(), p.misses.Load()
}

// maxPooledBuffer caps the size of buffers kept for reuse. Serializing a
// very large table should not pin its buffer forever.
const maxPooledBuffer = 16 << 20

var bufferPool = New(
	func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 64<<10))
	},
	func(b *bytes.Buffer) {
		b.Reset()
	},
)

// GetBuffer returns a scratch buffer from the shared pool.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get()
}

// PutBuffer recycles a scratch buffer. Oversized buffers are dropped.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(b)
}
