// Package cell is the public surface of the allocator: Context, the
// router that dispatches every alloc/free/realloc/align request to
// exactly one tier, and the budget accountant.
package cell

import "github.com/elfenlabs/cell/internal/cellhdr"

const (
	// CellSize is the fixed size and alignment of one whole cell. The
	// pointer AllocCell returns lies past the cell header, so fewer
	// than CellSize bytes are usable from it: the usable span ends at
	// the next CellSize boundary.
	CellSize = cellhdr.Size

	// DefaultReserveSize is the total virtual address span reserved
	// at Context construction for the cell-level tiers (sub-cell and
	// whole-cell), spec.md §6.
	DefaultReserveSize = 16 << 30 // 16 GiB

	// DefaultBuddyRegionSize is the power-of-two sub-reservation
	// handed to the buddy tier.
	DefaultBuddyRegionSize = 64 << 20 // 64 MiB

	// DefaultBuddyMinBlock is the smallest block the buddy tier
	// serves, spec.md §3's default 32 KiB.
	DefaultBuddyMinBlock = 32 << 10

	// DefaultBuddyMaxAlloc is the largest single request the buddy
	// tier serves; larger requests route to the large tier.
	DefaultBuddyMaxAlloc = 2 << 20 // 2 MiB
)

// BudgetCallback is invoked when an allocation would exceed the
// configured budget, with the request size, the configured limit, and
// the current charged total, per spec.md §6.
type BudgetCallback func(requested, budget, current uint64)

// Config configures a Context. The zero value is not directly usable;
// use NewConfig for defaults, matching the teacher allocator's
// explicit-validation-over-magic-zero-value style.
type Config struct {
	// ReserveSize is the total virtual address span reserved for the
	// cell-level tiers. Default DefaultReserveSize.
	ReserveSize uintptr

	// BuddyRegionSize is the power-of-two sub-reservation size for the
	// buddy tier. Default DefaultBuddyRegionSize.
	BuddyRegionSize uintptr

	// MemoryBudget caps total charged bytes across every tier. Zero
	// means unlimited.
	MemoryBudget uint64

	// BudgetCallback is invoked on budget denial. Optional.
	BudgetCallback BudgetCallback
}

// NewConfig returns a Config with every field at its documented
// default.
func NewConfig() Config {
	return Config{
		ReserveSize:     DefaultReserveSize,
		BuddyRegionSize: DefaultBuddyRegionSize,
	}
}

func (c *Config) applyDefaults() {
	if c.ReserveSize == 0 {
		c.ReserveSize = DefaultReserveSize
	}
	if c.BuddyRegionSize == 0 {
		c.BuddyRegionSize = DefaultBuddyRegionSize
	}
}

// validateConfig runs after applyDefaults, so a zero ReserveSize or
// BuddyRegionSize has already been replaced by its default and can
// never reach here; this only catches explicit, genuinely invalid
// values.
func validateConfig(c Config) {
	if c.BuddyRegionSize&(c.BuddyRegionSize-1) != 0 {
		panic("cell: BuddyRegionSize must be a power of two")
	}
}
