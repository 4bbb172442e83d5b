// Package large implements spec.md §4.5: the large registry for
// allocations above the buddy ceiling, obtained directly from the OS
// and tracked in a synchronized pointer -> (length, tag) map, grounded
// on the per-allocation mmap pattern in cznic-memory's Allocator and
// apache-arrow's Go allocator.
package large

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type entry struct {
	length uintptr
	tag    uint8
}

// Registry tracks every live large allocation.
type Registry struct {
	mu      sync.Mutex
	entries map[uintptr]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uintptr]entry)}
}

// Alloc obtains a fresh, page-aligned OS mapping of exactly length
// bytes and records it. length must already be rounded by the caller
// (spec.md's "rounded size").
func (r *Registry) Alloc(length uintptr, tag uint8) (uintptr, bool) {
	b, err := unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, false
	}
	addr := uintptr(unsafe.Pointer(&b[0]))

	r.mu.Lock()
	r.entries[addr] = entry{length: length, tag: tag}
	r.mu.Unlock()

	return addr, true
}

// Free releases the mapping for addr and removes its record. Reports
// false if addr is not a live large allocation.
func (r *Registry) Free(addr uintptr) bool {
	r.mu.Lock()
	e, ok := r.entries[addr]
	if ok {
		delete(r.entries, addr)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	_ = unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(addr)), e.length))
	return true
}

// Lookup returns the recorded length and tag for addr, if live.
func (r *Registry) Lookup(addr uintptr) (length uintptr, tag uint8, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[addr]
	return e.length, e.tag, ok
}

// Len reports how many large allocations are currently live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
