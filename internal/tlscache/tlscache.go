// Package tlscache implements spec.md §4.6's per-thread bin cache.
//
// Go exposes no OS-thread-local storage and no thread-exit hook to
// user code: goroutines are multiplexed M:N onto OS threads with no
// stable, observable affinity. The idiomatic analogue used across
// this corpus (SeleniaProject-Orizon's allocator, cyw0ng95-sqlvibe's
// slab, ichbingautam-zephyr-coord's mempool, ninepeach-ark's alloc all
// reach for it) is sync.Pool: a per-P-affine cache with built-in
// cross-goroutine stealing and GC-driven eviction. This package keeps
// spec.md's mechanism — a capped stack refilled/flushed against the
// shared bin in batches — layered on top of sync.Pool rather than
// abandoning it for a plain global cache.
package tlscache

import (
	"sync"
	"unsafe"
)

const (
	// Count is the number of hot size classes that get a cache,
	// spec.md's TLS_BIN_COUNT default, covering 16/32/64/128 B.
	Count = 4

	// Capacity is the default fixed-capacity stack size per class.
	Capacity = 32

	// RefillBatch is how many blocks a cache miss pulls from the
	// shared bin at once.
	RefillBatch = 8

	// FlushBatch is how many blocks a cache-full free pushes back to
	// the shared bin at once.
	FlushBatch = 8
)

// Source is the shared bin a Cache refills from and flushes into. It
// is expected to take its own lock internally (spec.md §4.6: "the
// refill/flush path enters the shared bin lock").
type Source interface {
	Refill(n int) []unsafe.Pointer
	Flush(blocks []unsafe.Pointer)
}

type stack struct {
	blocks []unsafe.Pointer
}

// Cache is the fixed-capacity per-thread-like cache for one size
// class.
type Cache struct {
	pool        sync.Pool
	capacity    int
	refillBatch int
	flushBatch  int
	source      Source
}

// New returns a Cache for one size class, backed by source.
func New(capacity, refillBatch, flushBatch int, source Source) *Cache {
	c := &Cache{
		capacity:    capacity,
		refillBatch: refillBatch,
		flushBatch:  flushBatch,
		source:      source,
	}
	c.pool.New = func() any {
		return &stack{blocks: make([]unsafe.Pointer, 0, capacity)}
	}
	return c
}

// Alloc pops a block without touching the shared bin lock when the
// local stack is non-empty; otherwise it refills in one batched call.
func (c *Cache) Alloc() unsafe.Pointer {
	s := c.pool.Get().(*stack)
	defer c.pool.Put(s)

	if len(s.blocks) == 0 {
		got := c.source.Refill(c.refillBatch)
		s.blocks = append(s.blocks, got...)
		if len(s.blocks) == 0 {
			return nil
		}
	}

	last := len(s.blocks) - 1
	p := s.blocks[last]
	s.blocks = s.blocks[:last]
	return p
}

// Free pushes a block onto the local stack without touching the
// shared bin lock, unless the stack is already at capacity, in which
// case it flushes a batch first.
func (c *Cache) Free(p unsafe.Pointer) {
	s := c.pool.Get().(*stack)
	defer c.pool.Put(s)

	if len(s.blocks) >= c.capacity {
		n := c.flushBatch
		if n > len(s.blocks) {
			n = len(s.blocks)
		}
		c.source.Flush(s.blocks[:n])
		s.blocks = append(s.blocks[:0], s.blocks[n:]...)
	}

	s.blocks = append(s.blocks, p)
}

// Drain flushes whichever local stack this call happens to retrieve
// back to the shared bin. spec.md's "drained in full on thread exit"
// has no Go equivalent (no thread-exit hook exists), so callers that
// want a best-effort drain across all goroutines should call Drain
// repeatedly (e.g. once per expected P) before relying on the shared
// bin holding everything. Context.Close calls it once per cache on
// shutdown.
func (c *Cache) Drain() {
	s := c.pool.Get().(*stack)
	if len(s.blocks) > 0 {
		c.source.Flush(s.blocks)
		s.blocks = s.blocks[:0]
	}
	c.pool.Put(s)
}
