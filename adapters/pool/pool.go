// Package pool implements spec.md §4.9's typed object pool adapter: a
// fixed-element-size pool over cell.Context, generalizing the
// teacher's RealSlab (one elemSize, batch alloc/free, an intrusive
// free list) to an arbitrary Go type via generics.
package pool

import (
	"unsafe"

	"github.com/elfenlabs/cell/cell"
)

// Pool hands out *T values backed by cell.Context allocations. Not
// safe for concurrent use by multiple goroutines without external
// synchronization; the teacher's RealSlab makes the same assumption
// and leaves locking to its caller.
type Pool[T any] struct {
	ctx *cell.Context
	tag uint8
}

// New returns a Pool of T, tagging every underlying allocation with
// tag.
func New[T any](ctx *cell.Context, tag uint8) *Pool[T] {
	return &Pool[T]{ctx: ctx, tag: tag}
}

// Get returns a freshly zeroed *T, or nil if the underlying Context
// denied the allocation (budget or out-of-memory).
func (p *Pool[T]) Get() *T {
	var zero T
	size := unsafe.Sizeof(zero)
	raw := p.ctx.AllocBytes(size, p.tag, unsafe.Alignof(zero))
	if raw == nil {
		return nil
	}
	v := (*T)(raw)
	*v = zero
	return v
}

// Put returns v to the Context. nil is a no-op.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	p.ctx.FreeBytes(unsafe.Pointer(v))
}

// GetBatch fills out with up to len(out) fresh values, stopping early
// (and returning the count obtained) the first time the Context
// denies an allocation. Every value comes from the same size class,
// so the result is safe to hand to PutBatch.
func (p *Pool[T]) GetBatch(out []*T) int {
	var zero T
	size := unsafe.Sizeof(zero)

	raw := make([]unsafe.Pointer, len(out))
	n := p.ctx.AllocBatch(raw, size, p.tag)
	for i := 0; i < n; i++ {
		v := (*T)(raw[i])
		*v = zero
		out[i] = v
	}
	return n
}

// PutBatch returns every value in vs to the Context in one batched
// call.
func (p *Pool[T]) PutBatch(vs []*T) {
	ptrs := make([]unsafe.Pointer, len(vs))
	for i, v := range vs {
		ptrs[i] = unsafe.Pointer(v)
	}
	p.ctx.FreeBatch(ptrs)
}
