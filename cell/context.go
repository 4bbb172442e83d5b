package cell

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/elfenlabs/cell/internal/buddy"
	"github.com/elfenlabs/cell/internal/cellhdr"
	"github.com/elfenlabs/cell/internal/cellpool"
	"github.com/elfenlabs/cell/internal/large"
	"github.com/elfenlabs/cell/internal/subcell"
	"github.com/elfenlabs/cell/internal/tlscache"
)

// Context is the owning environment: one reserved virtual address
// range, partitioned into the three tiers spec.md §2 describes. The
// zero value is not usable; construct with New.
type Context struct {
	pool  *cellpool.Pool
	bd    *buddy.Buddy
	large *large.Registry

	bins [subcell.NumBins]*subcell.Bin
	hot  [tlscache.Count]*tlscache.Cache

	budget *budget

	closeOnce sync.Once
}

type binSource struct {
	bin  *subcell.Bin
	pool *cellpool.Pool
}

func (s *binSource) Refill(n int) []unsafe.Pointer {
	out := make([]unsafe.Pointer, 0, n)
	for i := 0; i < n; i++ {
		p, err := s.bin.Alloc(s.pool, 0)
		if err != nil {
			break
		}
		out = append(out, p)
	}
	return out
}

func (s *binSource) Flush(blocks []unsafe.Pointer) {
	for _, p := range blocks {
		s.bin.Free(s.pool, p, cellhdr.Of(p))
	}
}

// New reserves address space and constructs a ready-to-use Context.
func New(config Config) (*Context, error) {
	config.applyDefaults()
	validateConfig(config)

	pool, err := cellpool.New(config.ReserveSize)
	if err != nil {
		return nil, err
	}

	minOrder := uint32(bits.TrailingZeros(uint(DefaultBuddyMinBlock)))
	maxOrder := uint32(bits.TrailingZeros(uint(config.BuddyRegionSize)))

	buddyBase, err := reserveBuddyRegion(config.BuddyRegionSize)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	c := &Context{
		pool:   pool,
		bd:     buddy.New(buddyBase, minOrder, maxOrder),
		large:  large.New(),
		budget: newBudget(config.MemoryBudget, config.BudgetCallback),
	}

	for i := range c.bins {
		c.bins[i] = subcell.NewBin(i)
	}
	for i := 0; i < tlscache.Count; i++ {
		c.hot[i] = tlscache.New(tlscache.Capacity, tlscache.RefillBatch, tlscache.FlushBatch,
			&binSource{bin: c.bins[i], pool: c.pool})
	}

	return c, nil
}

// Close releases every tier's reservation. Every pointer ever handed
// out becomes invalid.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for i := 0; i < tlscache.Count; i++ {
			c.hot[i].Drain()
		}
		err = c.pool.Close()
		_ = releaseBuddyRegion(c.bd)
	})
	return err
}

// classify returns which tier serves size bytes at the given
// alignment, per spec.md §4.7.
type tier int

const (
	tierSubCell tier = iota
	tierBuddy
	tierLarge
)

func (c *Context) classify(size, alignment uintptr) (tier, int) {
	if size <= uintptr(subcell.MaxSize) && alignment <= uintptr(subcell.MaxSize) {
		if bin, ok := subcell.ClassFor(uint32(size), uint32(alignment)); ok {
			return tierSubCell, bin
		}
	}
	if size <= DefaultBuddyMaxAlloc {
		return tierBuddy, 0
	}
	return tierLarge, 0
}

// AllocBytes allocates size bytes, tagged for profiling, aligned to
// alignment (must be a power of two, default 8). Returns nil on
// failure; spec.md §7 makes nil the sole user-visible failure signal.
func (c *Context) AllocBytes(size uintptr, tag uint8, alignment uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if alignment == 0 {
		alignment = 8
	}
	return c.AllocAligned(size, alignment, tag)
}

// AllocAligned is spec.md §4.7's alloc_aligned.
func (c *Context) AllocAligned(size, alignment uintptr, tag uint8) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	t, bin := c.classify(size, alignment)
	switch t {
	case tierSubCell:
		rounded := uint64(subcell.Classes[bin])
		if !c.budget.admit(uint64(size), rounded) {
			return nil
		}
		p := c.allocSubCell(bin, tag)
		if p == nil {
			c.budget.refund(rounded)
			return nil
		}
		return p

	case tierBuddy:
		return c.allocBuddy(size, alignment, tag)

	default: // tierLarge
		rounded := uint64(roundToPage(size))
		if !c.budget.admit(uint64(size), rounded) {
			return nil
		}
		addr, ok := c.large.Alloc(uintptr(rounded), tag)
		if !ok {
			c.budget.refund(rounded)
			return nil
		}
		if alignment > pageSize() {
			// spec.md §4.7: caller needs more than page alignment; the
			// mapping is already page-aligned, so this only matters
			// for alignments larger than a page, which we do not
			// support overallocating for today.
			_ = addr
		}
		return unsafe.Pointer(addr)
	}
}

func (c *Context) allocSubCell(bin int, tag uint8) unsafe.Pointer {
	if bin < tlscache.Count {
		if p := c.hot[bin].Alloc(); p != nil {
			return p
		}
	}
	p, err := c.bins[bin].Alloc(c.pool, tag)
	if err != nil {
		return nil
	}
	return p
}

// buddyBackPointerSize is the width of the indirection word stashed
// immediately before every buddy-tier user pointer this Context hands
// out, holding the true Buddy.Alloc return value (its "true base").
// Every buddy allocation goes through this indirection, aligned or
// not, so Free/Realloc/sizeOf never need to guess which kind of
// pointer they were handed: the byte immediately before a buddy
// pointer is always that pointer, never Buddy's own inline order/tag
// header (which sits before the true base instead).
const buddyBackPointerSize = unsafe.Sizeof(uintptr(0))

// allocBuddy overallocates enough room for size bytes at alignment
// plus the back-pointer word, carves an aligned user pointer out of
// the resulting block, and stashes the true base immediately before
// it so Free/Realloc can recover it.
func (c *Context) allocBuddy(size, alignment uintptr, tag uint8) unsafe.Pointer {
	if alignment == 0 {
		alignment = 8
	}
	need := size + alignment + buddyBackPointerSize
	order := orderForBuddy(need)
	rounded := uint64(1) << order
	if !c.budget.admit(uint64(size), rounded) {
		return nil
	}

	trueBase, ok := c.bd.Alloc(need, tag)
	if !ok {
		c.budget.refund(rounded)
		return nil
	}

	addr := uintptr(trueBase)
	aligned := alignUpBuddy(addr+buddyBackPointerSize, alignment)
	*(*unsafe.Pointer)(unsafe.Pointer(aligned - buddyBackPointerSize)) = trueBase
	return unsafe.Pointer(aligned)
}

func alignUpBuddy(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// buddyTrueBase recovers the real Buddy.Alloc return value backing
// the buddy-tier user pointer p, as stashed by allocBuddy.
func buddyTrueBase(p unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(uintptr(p) - buddyBackPointerSize))
}

func orderForBuddy(size uintptr) uint32 {
	need := size + buddy.HeaderSize
	order := uint32(bits.TrailingZeros(uint(DefaultBuddyMinBlock)))
	sz := uintptr(1) << order
	for sz < need {
		order++
		sz <<= 1
	}
	return order
}

func roundToPage(size uintptr) uintptr {
	ps := pageSize()
	return (size + ps - 1) &^ (ps - 1)
}

// FreeBytes frees a pointer obtained from AllocBytes/AllocAligned. nil
// is a no-op.
func (c *Context) FreeBytes(p unsafe.Pointer) {
	if p == nil {
		return
	}

	addr := uintptr(p)
	if c.pool.Contains(cellhdr.BaseOf(p)) {
		h := cellhdr.Of(p)
		cellhdr.CheckAlive(h)
		if h.SizeClass == cellhdr.FullCellMarker {
			c.budget.refund(cellhdr.Size)
			cellhdr.MarkFreed(h)
			c.pool.FreeCell(cellhdr.BaseOf(p))
			return
		}
		bin := int(h.SizeClass)
		c.budget.refund(uint64(subcell.Classes[bin]))
		if bin < tlscache.Count {
			c.hot[bin].Free(p)
			return
		}
		c.bins[bin].Free(c.pool, p, h)
		return
	}

	if c.bd.Contains(p) {
		trueBase := buddyTrueBase(p)
		order := buddyOrderOf(trueBase)
		c.budget.refund(uint64(1) << order)
		c.bd.Free(trueBase)
		return
	}

	if length, _, ok := c.large.Lookup(addr); ok {
		c.budget.refund(uint64(length))
		c.large.Free(addr)
		return
	}
}

// ReallocBytes implements spec.md §4.7's cross-tier realloc contract:
// nil input behaves as alloc, newSize == 0 behaves as free, same-tier
// in-place growth/shrink delegates to the tier, and cross-tier moves
// copy min(old, new) bytes — never new bytes blindly.
func (c *Context) ReallocBytes(p unsafe.Pointer, newSize uintptr, tag uint8) unsafe.Pointer {
	if p == nil {
		return c.AllocBytes(newSize, tag, 8)
	}
	if newSize == 0 {
		c.FreeBytes(p)
		return nil
	}

	oldSize, oldTier, oldBin := c.sizeOf(p)

	switch oldTier {
	case tierSubCell:
		if newBin, ok := subcell.ClassFor(uint32(newSize), 8); ok && newBin == oldBin {
			return p
		}
	case tierBuddy:
		trueBase := buddyTrueBase(p)
		offset := uintptr(p) - uintptr(trueBase)
		newNeed := offset + newSize
		oldOrder := buddyOrderOf(trueBase)

		if _, ok := c.bd.Realloc(trueBase, newNeed); ok {
			// Buddy.Realloc never moves the block's address, so the
			// wrapped pointer p (and its back-pointer at p-8) stay
			// valid unchanged; only the order recorded in trueBase's
			// header may have changed.
			newOrder := orderForBuddy(newNeed)
			oldRounded := uint64(1) << oldOrder
			newRounded := uint64(1) << newOrder
			if newRounded > oldRounded {
				if !c.budget.admit(uint64(newSize), newRounded-oldRounded) {
					oldNeed := offset + oldSize
					_, _ = c.bd.Realloc(trueBase, oldNeed) // best-effort revert
					return nil
				}
			} else if newRounded < oldRounded {
				c.budget.refund(oldRounded - newRounded)
			}
			return p
		}
	}

	newPtr := c.AllocBytes(newSize, tag, 8)
	if newPtr == nil {
		return nil
	}
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	src := unsafe.Slice((*byte)(p), copySize)
	dst := unsafe.Slice((*byte)(newPtr), copySize)
	copy(dst, src)
	c.FreeBytes(p)
	return newPtr
}

func (c *Context) sizeOf(p unsafe.Pointer) (size uintptr, t tier, bin int) {
	if c.pool.Contains(cellhdr.BaseOf(p)) {
		h := cellhdr.Of(p)
		if h.SizeClass == cellhdr.FullCellMarker {
			return cellhdr.Size - cellhdr.BlockStart, tierSubCell, -1
		}
		return uintptr(subcell.Classes[h.SizeClass]), tierSubCell, int(h.SizeClass)
	}
	if c.bd.Contains(p) {
		trueBase := buddyTrueBase(p)
		order := buddyOrderOf(trueBase)
		offset := uintptr(p) - uintptr(trueBase)
		// The capacity actually reachable from p, not the whole
		// block: p sits offset bytes into the block Buddy.Alloc gave
		// us, and that leading space is spoken for by alignment
		// padding and the back-pointer word; Buddy's own header sits
		// before trueBase and is not reachable either.
		return (uintptr(1) << order) - buddy.HeaderSize - offset, tierBuddy, 0
	}
	if length, _, ok := c.large.Lookup(uintptr(p)); ok {
		return length, tierLarge, 0
	}
	return 0, tierLarge, 0
}

func buddyOrderOf(p unsafe.Pointer) uint32 {
	h := (*struct {
		Order uint8
		Tag   uint8
	})(unsafe.Pointer(uintptr(p) - buddy.HeaderSize))
	return uint32(h.Order)
}

// AllocLarge forces the large tier regardless of size.
func (c *Context) AllocLarge(size uintptr, tag uint8) unsafe.Pointer {
	rounded := roundToPage(size)
	if !c.budget.admit(uint64(size), uint64(rounded)) {
		return nil
	}
	addr, ok := c.large.Alloc(rounded, tag)
	if !ok {
		c.budget.refund(uint64(rounded))
		return nil
	}
	return unsafe.Pointer(addr)
}

// FreeLarge forces the large tier's free path.
func (c *Context) FreeLarge(p unsafe.Pointer) {
	if p == nil {
		return
	}
	addr := uintptr(p)
	if length, _, ok := c.large.Lookup(addr); ok {
		c.budget.refund(uint64(length))
		c.large.Free(addr)
	}
}

// AllocCell allocates one whole cell and returns a pointer to its
// payload, which starts cellhdr.BlockStart bytes past the cell base
// (after the cell header) and runs to the end of the cell.
func (c *Context) AllocCell(tag uint8) unsafe.Pointer {
	if !c.budget.admit(cellhdr.Size, cellhdr.Size) {
		return nil
	}
	addr, err := c.pool.AllocCell()
	if err != nil {
		c.budget.refund(cellhdr.Size)
		return nil
	}
	h := (*cellhdr.Header)(unsafe.Pointer(addr))
	h.Tag = tag
	h.SizeClass = cellhdr.FullCellMarker
	h.FreeCount = 0
	cellhdr.MarkAlive(h)
	return cellhdr.PayloadOf(h)
}

// FreeCell returns a whole cell obtained from AllocCell.
func (c *Context) FreeCell(p unsafe.Pointer) {
	if p == nil {
		return
	}
	base := cellhdr.BaseOf(p)
	h := cellhdr.Of(p)
	cellhdr.CheckAlive(h)
	cellhdr.MarkFreed(h)
	c.budget.refund(cellhdr.Size)
	c.pool.FreeCell(base)
}

// AllocBatch fills out with up to len(out) blocks of size, all from
// the same size class, returning how many were obtained.
func (c *Context) AllocBatch(out []unsafe.Pointer, size uintptr, tag uint8) int {
	for i := range out {
		p := c.AllocBytes(size, tag, 8)
		if p == nil {
			return i
		}
		out[i] = p
	}
	return len(out)
}

// FreeBatch frees every pointer in ptrs. Every pointer must belong to
// the same size class; violating this is undefined behavior in
// release builds and a panic in cell_debug builds, spec.md §7.
func (c *Context) FreeBatch(ptrs []unsafe.Pointer) {
	if cellDebugEnabled && len(ptrs) > 1 {
		_, _, firstBin := c.sizeOf(ptrs[0])
		for _, p := range ptrs[1:] {
			_, _, bin := c.sizeOf(p)
			if bin != firstBin {
				panic("cell: FreeBatch called with a heterogeneous size class")
			}
		}
	}
	for _, p := range ptrs {
		c.FreeBytes(p)
	}
}

// SetBudget changes the memory budget at runtime. Lowering it below
// current usage is permitted; it simply blocks further allocation
// until frees catch up, spec.md §4.8.
func (c *Context) SetBudget(bytes uint64) { c.budget.setLimit(bytes) }

// GetBudget returns the current budget limit (0 = unlimited).
func (c *Context) GetBudget() uint64 { return c.budget.getLimit() }

// GetBudgetCurrent returns the current charged total.
func (c *Context) GetBudgetCurrent() uint64 { return c.budget.getCurrent() }

// SetBudgetCallback replaces the budget-denial callback.
func (c *Context) SetBudgetCallback(fn BudgetCallback) { c.budget.setCallback(fn) }
