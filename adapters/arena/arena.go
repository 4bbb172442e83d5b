// Package arena implements spec.md §4.9's bump-only, bulk-reset
// adapter: a chain of whole cells obtained from a cell.Context, carved
// up by simple pointer-bumping, with a LIFO checkpoint stack so a
// caller can roll back every allocation made since a Scope without
// touching allocations older than it.
//
// This is the arena adapter promised as an "optional collaborator" —
// it depends on cell.Context only through its public AllocCell/FreeCell
// surface, never reaching into an internal package.
package arena

import (
	"unsafe"

	"github.com/elfenlabs/cell/cell"
)

// cellChunk is one whole cell in the arena's chain, linked the way the
// teacher's LRU list links its nodes: an intrusive next pointer held
// in Go, not in the cell's own bytes (the cell's bytes belong entirely
// to the caller).
type cellChunk struct {
	base  unsafe.Pointer
	used  uintptr
	limit uintptr // usable bytes from base to the end of its cell
	next  *cellChunk
}

const chunkCapacity = cell.CellSize

// checkpoint records the chain position and bump offset a Scope can
// restore back to.
type checkpoint struct {
	chunk *cellChunk
	used  uintptr
}

// Arena bump-allocates out of a chain of whole cells. Not safe for
// concurrent use by multiple goroutines without external locking,
// matching the teacher's own single-writer arena idiom.
type Arena struct {
	ctx   *cell.Context
	tag   uint8
	head  *cellChunk // most recently obtained chunk, bump target
	chain *cellChunk // full chain, for Reset/teardown, oldest last

	scopes []checkpoint
}

// New returns an Arena that carves its chunks from ctx, tagging every
// cell it obtains with tag (for allocator-side profiling).
func New(ctx *cell.Context, tag uint8) *Arena {
	return &Arena{ctx: ctx, tag: tag}
}

func (a *Arena) newChunk() *cellChunk {
	p := a.ctx.AllocCell(a.tag)
	if p == nil {
		return nil
	}
	c := &cellChunk{base: p, limit: chunkCapacity - uintptr(p)%chunkCapacity}
	c.next = a.chain
	a.chain = c
	return c
}

// Alloc returns size bytes aligned to alignment (a power of two),
// bumping the current chunk or obtaining a fresh one when it doesn't
// fit. Requests that do not fit in the payload of a fresh cell (the
// cell minus its header) are rejected with nil: the arena is meant
// for many small, short-lived allocations, not large ones (use
// cell.Context.AllocLarge directly for those).
func (a *Arena) Alloc(size, alignment uintptr) unsafe.Pointer {
	if alignment == 0 {
		alignment = 8
	}
	if size == 0 || size > chunkCapacity {
		return nil
	}

	if a.head != nil {
		aligned := alignUp(uintptr(a.head.base)+a.head.used, alignment) - uintptr(a.head.base)
		if aligned+size <= a.head.limit {
			a.head.used = aligned + size
			return unsafe.Pointer(uintptr(a.head.base) + aligned)
		}
	}

	c := a.newChunk()
	if c == nil {
		return nil
	}
	a.head = c

	aligned := alignUp(uintptr(c.base), alignment) - uintptr(c.base)
	if aligned+size > c.limit {
		return nil
	}
	c.used = aligned + size
	return unsafe.Pointer(uintptr(c.base) + aligned)
}

func alignUp(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// Scope pushes a checkpoint at the arena's current position. A
// matching Release rolls every allocation made since back off,
// reusing the bumped space for the next caller. Scopes must be
// released in LIFO order, mirroring the teacher's stack discipline.
func (a *Arena) Scope() {
	var used uintptr
	if a.head != nil {
		used = a.head.used
	}
	a.scopes = append(a.scopes, checkpoint{chunk: a.head, used: used})
}

// Release restores the arena to the state at the matching Scope call.
// Chunks obtained after the checkpoint stay linked in the chain
// rather than being freed back to the Context immediately; they are
// reclaimed at the next Reset. This trades a little retained memory
// for never calling back into the Context on the Release path.
func (a *Arena) Release() {
	n := len(a.scopes)
	if n == 0 {
		panic("arena: Release with no matching Scope")
	}
	cp := a.scopes[n-1]
	a.scopes = a.scopes[:n-1]

	a.head = cp.chunk
	if a.head != nil {
		a.head.used = cp.used
	}
}

// Reset returns every chunk in the chain to the Context and clears
// the arena back to empty, discarding any open scopes.
func (a *Arena) Reset() {
	c := a.chain
	for c != nil {
		next := c.next
		a.ctx.FreeCell(c.base)
		c = next
	}
	a.chain = nil
	a.head = nil
	a.scopes = a.scopes[:0]
}
