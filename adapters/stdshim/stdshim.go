// Package stdshim exposes a cell.Context through the []byte-slice
// allocator shape used by this corpus's container libraries
// (apache-arrow's GoAllocator, nbio's stdAllocator): Allocate,
// Reallocate, Free, each working in terms of Go slices rather than raw
// pointers so a caller can drop this in wherever that shape is
// expected.
package stdshim

import (
	"unsafe"

	"github.com/elfenlabs/cell/cell"
)

// Allocator adapts a cell.Context to the slice-based allocator
// interface. The zero value is not usable; construct with New.
type Allocator struct {
	ctx *cell.Context
	tag uint8
}

// New returns an Allocator backed by ctx, tagging every allocation it
// makes with tag.
func New(ctx *cell.Context, tag uint8) *Allocator {
	return &Allocator{ctx: ctx, tag: tag}
}

// Allocate returns a size-byte slice backed by the Context. A failed
// allocation (budget denial or exhausted reservation) returns nil,
// the same idiomatic failure signal the core uses: Go's container
// types have no separate out-of-memory protocol to translate into, so
// nil propagates unchanged rather than panicking.
func (a *Allocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	p := a.ctx.AllocBytes(uintptr(size), a.tag, 8)
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), size)
}

// Reallocate resizes b to size bytes, preserving its first min(len(b),
// size) bytes, exactly as cell.Context.ReallocBytes guarantees across
// every tier.
func (a *Allocator) Reallocate(size int, b []byte) []byte {
	if size <= 0 {
		a.Free(b)
		return nil
	}
	if b == nil {
		return a.Allocate(size)
	}

	p := a.ctx.ReallocBytes(unsafe.Pointer(&b[0]), uintptr(size), a.tag)
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), size)
}

// Free returns b to the Context. A nil or empty slice is a no-op.
func (a *Allocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	a.ctx.FreeBytes(unsafe.Pointer(&b[0]))
}
