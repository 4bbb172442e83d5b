// Package cellpool carves a single reserved virtual address range into
// cellhdr.Size aligned, cell-sized chunks: spec.md §4.2's OS-backed
// cell allocator.
package cellpool

import (
	"errors"
	"sync"

	"github.com/elfenlabs/cell/internal/cellhdr"
)

// ErrOutOfReservation is returned when the reservation's high-water
// cursor has reached the end and the free list holds nothing to give.
var ErrOutOfReservation = errors.New("cellpool: reservation exhausted")

// ErrOutOfMemory is returned when the initial OS reservation fails, or
// when AllocCell cannot commit a cell's pages.
var ErrOutOfMemory = errors.New("cellpool: failed to reserve address space")

// DefaultDecommitThreshold is the number of committed free cells a
// Pool tolerates before it starts decommitting the pages behind
// further returned cells, per spec.md §4.2's "high-water mark."
const DefaultDecommitThreshold = 64

// Pool owns one reserved virtual address range and doles out
// cell-aligned, cell-sized chunks from it.
type Pool struct {
	mu sync.Mutex

	base uintptr
	size uintptr

	cursor uintptr // bytes from base already carved off by the high-water cursor

	freeHead  uintptr // address of the head of the intrusive free-cell chain, 0 = empty
	freeCount int

	// decommitted holds addresses of free cells whose pages have been
	// let go; they cannot carry an intrusive link (their memory is not
	// guaranteed readable), so they live in a plain slice instead.
	decommitted []uintptr

	DecommitThreshold int

	liveCells int // cells currently handed out, for the round-trip-balance invariant
}

// New reserves size bytes of address space (rounded up to a multiple
// of the cell size) and returns a Pool ready to carve cells from it.
func New(size uintptr) (*Pool, error) {
	if size == 0 {
		return nil, errors.New("cellpool: size must be > 0")
	}
	rounded := (size + cellhdr.Size - 1) &^ (cellhdr.Size - 1)

	base, err := reserve(rounded)
	if err != nil {
		return nil, ErrOutOfMemory
	}

	return &Pool{
		base:              base,
		size:              rounded,
		DecommitThreshold: DefaultDecommitThreshold,
	}, nil
}

// Close releases the entire reservation. Every cell pointer ever
// handed out by this Pool becomes invalid.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return release(p.base, p.size)
}

// Base returns the reservation's base address.
func (p *Pool) Base() uintptr { return p.base }

// Contains reports whether addr lies inside this Pool's reservation.
func (p *Pool) Contains(addr uintptr) bool {
	return addr >= p.base && addr < p.base+p.size
}

// LiveCells returns the number of cells currently handed out.
func (p *Pool) LiveCells() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCells
}

// AllocCell returns a committed, cell-aligned, cell-sized chunk, or
// ErrOutOfReservation/ErrOutOfMemory on failure.
func (p *Pool) AllocCell() (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHead != 0 {
		addr := p.freeHead
		p.freeHead = *(*uintptr)(ptrAt(addr))
		p.freeCount--
		p.liveCells++
		return addr, nil
	}

	if n := len(p.decommitted); n > 0 {
		addr := p.decommitted[n-1]
		p.decommitted = p.decommitted[:n-1]
		if err := commit(addr, cellhdr.Size); err != nil {
			return 0, ErrOutOfMemory
		}
		p.liveCells++
		return addr, nil
	}

	if p.cursor+cellhdr.Size > p.size {
		return 0, ErrOutOfReservation
	}
	addr := p.base + p.cursor
	if err := commit(addr, cellhdr.Size); err != nil {
		return 0, ErrOutOfMemory
	}
	p.cursor += cellhdr.Size
	p.liveCells++
	return addr, nil
}

// FreeCell returns a cell obtained from AllocCell. Cells beyond
// DecommitThreshold have their pages decommitted immediately; the
// rest stay committed and are linked intrusively so the free list
// itself costs no extra memory.
func (p *Pool) FreeCell(addr uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.liveCells--

	if p.freeCount >= p.DecommitThreshold {
		_ = decommit(addr, cellhdr.Size)
		p.decommitted = append(p.decommitted, addr)
		return
	}

	*(*uintptr)(ptrAt(addr)) = p.freeHead
	p.freeHead = addr
	p.freeCount++
}
