// Package subcell implements spec.md §4.3: the sub-cell slab. Every
// live block in this tier sits inside a Cell dedicated to exactly one
// size class, with an inline intrusive free list threaded through the
// cell's free blocks.
package subcell

import (
	"sync"
	"unsafe"

	"github.com/elfenlabs/cell/internal/cellhdr"
	"github.com/elfenlabs/cell/internal/cellpool"
)

// WarmCap bounds how many fully-empty cells a bin retains on its
// partial list as a warm reserve, spec.md §3's WARM_CAP tunable.
const WarmCap = 4

// Bin holds the state for one size class: the head of its partial
// cell list (a LIFO stack, most-recently-touched cell first, to
// maximize reuse of hot cache lines) and the warm-reserve counter.
type Bin struct {
	mu sync.Mutex

	index         int
	partialHead   uintptr // cell base, 0 = empty
	warmCellCount int

	TotalAllocated   uint64
	CurrentAllocated uint64
}

// NewBin returns a Bin for size class index.
func NewBin(index int) *Bin {
	return &Bin{index: index}
}

func headerAt(addr uintptr) *cellhdr.Header {
	return (*cellhdr.Header)(unsafe.Pointer(addr))
}

// initCell lays out BlocksPerCell(bin) blocks inside a freshly
// obtained cell, ascending-address order, pops the first block and
// returns it, leaving the header's FreeCount == capacity - 1.
func (b *Bin) initCell(cellAddr uintptr, tag uint8) unsafe.Pointer {
	h := headerAt(cellAddr)
	h.Tag = tag
	h.SizeClass = uint8(b.index)

	blockSize := uintptr(Classes[b.index])
	n := BlocksPerCell(b.index)

	base := cellAddr + cellhdr.BlockStart
	// Thread n blocks into a singly linked free chain, ascending
	// address order, per spec.md §4.3.
	for i := uint32(0); i < n; i++ {
		addr := base + uintptr(i)*blockSize
		var next uintptr
		if i+1 < n {
			next = addr + blockSize
		}
		*(*uintptr)(unsafe.Pointer(addr)) = next
	}

	meta := cellhdr.MetadataOf(h)
	meta.FreeList = base
	h.FreeCount = uint16(n)

	cellhdr.MarkAlive(h)

	// Pop the first block for the caller.
	first := base
	meta.FreeList = *(*uintptr)(unsafe.Pointer(first))
	h.FreeCount--

	return unsafe.Pointer(first)
}

// Alloc returns one block of this bin's size class, pulling from the
// shared partial-cell list under the bin lock, or from a freshly
// obtained cell from pool when the partial list is empty. The OS call
// inside pool.AllocCell happens with the bin lock released, per
// spec.md §5 ("never across OS calls").
func (b *Bin) Alloc(pool *cellpool.Pool, tag uint8) (unsafe.Pointer, error) {
	b.mu.Lock()
	if b.partialHead != 0 {
		cellAddr := b.partialHead
		h := headerAt(cellAddr)
		meta := cellhdr.MetadataOf(h)

		wasWarm := uint32(h.FreeCount) == BlocksPerCell(b.index)

		block := meta.FreeList
		meta.FreeList = *(*uintptr)(unsafe.Pointer(block))
		h.FreeCount--

		if wasWarm {
			b.warmCellCount--
		}

		if h.FreeCount == 0 {
			b.partialHead = meta.NextPartial
			meta.NextPartial = 0
		}

		b.TotalAllocated++
		b.CurrentAllocated++
		b.mu.Unlock()
		return unsafe.Pointer(block), nil
	}
	b.mu.Unlock()

	cellAddr, err := pool.AllocCell()
	if err != nil {
		return nil, err
	}
	block := b.initCell(cellAddr, tag)

	h := headerAt(cellAddr)
	b.mu.Lock()
	if h.FreeCount > 0 {
		meta := cellhdr.MetadataOf(h)
		meta.NextPartial = b.partialHead
		b.partialHead = cellAddr
	}
	b.TotalAllocated++
	b.CurrentAllocated++
	b.mu.Unlock()

	return block, nil
}

// Free returns block (whose owning cell header is h) to its cell's
// free chain. If the cell becomes empty, it is retained as a warm
// cell up to WarmCap, else it is returned to pool.
func (b *Bin) Free(pool *cellpool.Pool, block unsafe.Pointer, h *cellhdr.Header) {
	cellAddr := uintptr(unsafe.Pointer(h))
	meta := cellhdr.MetadataOf(h)
	blockAddr := uintptr(block)

	cellhdr.Poison(block, uintptr(Classes[h.SizeClass]))

	b.mu.Lock()
	defer b.mu.Unlock()

	*(*uintptr)(unsafe.Pointer(blockAddr)) = meta.FreeList
	meta.FreeList = blockAddr

	wasFull := h.FreeCount == 0
	h.FreeCount++
	b.CurrentAllocated--

	if wasFull {
		meta.NextPartial = b.partialHead
		b.partialHead = cellAddr
	}

	if uint32(h.FreeCount) == BlocksPerCell(b.index) {
		// Cell is now fully empty.
		if b.warmCellCount < WarmCap {
			b.warmCellCount++
			return
		}
		b.unlinkFromPartial(cellAddr)
		cellhdr.MarkFreed(h)
		pool.FreeCell(cellAddr)
	}
}

// unlinkFromPartial removes target from the partial list. Only
// called on the empty-cell-eviction path, which is the minority case,
// so an O(partial-list length) search is acceptable (spec.md §4.3).
func (b *Bin) unlinkFromPartial(target uintptr) {
	if b.partialHead == target {
		b.partialHead = cellhdr.MetadataOf(headerAt(target)).NextPartial
		return
	}
	prev := b.partialHead
	for prev != 0 {
		prevMeta := cellhdr.MetadataOf(headerAt(prev))
		if prevMeta.NextPartial == target {
			targetMeta := cellhdr.MetadataOf(headerAt(target))
			prevMeta.NextPartial = targetMeta.NextPartial
			return
		}
		prev = prevMeta.NextPartial
	}
}

// WarmCellCount reports how many fully-empty cells this bin is
// currently retaining as warm reserve.
func (b *Bin) WarmCellCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.warmCellCount
}
