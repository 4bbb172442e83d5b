package cell

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfenlabs/cell/internal/buddy"
)

var systemPageSize = uintptr(unix.Getpagesize())

func pageSize() uintptr { return systemPageSize }

// reserveBuddyRegion obtains a committed, page-backed region for the
// buddy tier. Unlike the cell pool, the buddy region is committed
// upfront rather than lazily per page: spec.md leaves the choice of
// "carved from the cell reservation or a separate sub-reservation"
// open (§9), and a single eagerly committed mapping is the simplest
// sound realization of "separate sub-reservation."
func reserveBuddyRegion(size uintptr) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

func releaseBuddyRegion(b *buddy.Buddy) error {
	if b == nil {
		return nil
	}
	size := uintptr(1) << b.MaxOrder()
	base := b.Base()
	return unix.Munmap(unsafe.Slice((*byte)(unsafe.Pointer(base)), size))
}
