package cell

import "sync/atomic"

// budget implements spec.md §4.8: an atomic counter of charged bytes,
// admitted with a compare-and-swap loop so the check-then-add needs no
// mutex.
type budget struct {
	limit    atomic.Uint64 // 0 = unlimited
	current  atomic.Uint64
	callback atomic.Pointer[BudgetCallback]
}

func newBudget(limit uint64, cb BudgetCallback) *budget {
	b := &budget{}
	b.limit.Store(limit)
	if cb != nil {
		b.callback.Store(&cb)
	}
	return b
}

// admit charges roundedSize against the budget if doing so would not
// exceed the limit. On denial it invokes the callback (if any) with a
// consistent current <= limit snapshot and returns false.
func (b *budget) admit(requestedSize, roundedSize uint64) bool {
	limit := b.limit.Load()
	if limit == 0 {
		b.current.Add(roundedSize)
		return true
	}

	for {
		cur := b.current.Load()
		if cur+roundedSize > limit {
			if cbp := b.callback.Load(); cbp != nil {
				(*cbp)(requestedSize, limit, cur)
			}
			return false
		}
		if b.current.CompareAndSwap(cur, cur+roundedSize) {
			return true
		}
	}
}

// refund returns roundedSize to the budget on free.
func (b *budget) refund(roundedSize uint64) {
	b.current.Add(^(roundedSize - 1)) // current -= roundedSize
}

func (b *budget) setLimit(limit uint64) { b.limit.Store(limit) }
func (b *budget) getLimit() uint64      { return b.limit.Load() }
func (b *budget) getCurrent() uint64    { return b.current.Load() }

func (b *budget) setCallback(cb BudgetCallback) {
	if cb == nil {
		b.callback.Store(nil)
		return
	}
	b.callback.Store(&cb)
}
