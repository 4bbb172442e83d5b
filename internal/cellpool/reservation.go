package cellpool

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/elfenlabs/cell/internal/cellhdr"
)

// reserve asks the OS for a PROT_NONE, unbacked virtual range of at
// least size bytes, cell-aligned. mmap gives no alignment guarantee,
// so it over-reserves by one cell and trims the excess on either
// side, the standard workaround noted in spec.md §9. unix.Munmap only
// accepts the exact slice unix.Mmap returned, so the partial unmaps go
// through the raw munmap syscall.
func reserve(size uintptr) (base uintptr, err error) {
	raw, err := unix.Mmap(-1, 0, int(size+cellhdr.Size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("cellpool: mmap reservation: %w", err)
	}

	rawAddr := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (rawAddr + cellhdr.Size - 1) &^ (cellhdr.Size - 1)

	if frontTrim := aligned - rawAddr; frontTrim > 0 {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, rawAddr, frontTrim, 0); errno != 0 {
			return 0, fmt.Errorf("cellpool: trim front: %w", errno)
		}
	}
	rawEnd := rawAddr + size + cellhdr.Size
	alignedEnd := aligned + size
	if backTrim := rawEnd - alignedEnd; backTrim > 0 {
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, alignedEnd, backTrim, 0); errno != 0 {
			return 0, fmt.Errorf("cellpool: trim back: %w", errno)
		}
	}

	return aligned, nil
}

// release returns the entire reservation to the OS. Every pointer
// ever handed out of it becomes invalid.
func release(base, size uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, base, size, 0); errno != 0 {
		return errno
	}
	return nil
}

// commit makes [addr, addr+length) readable and writable, backing it
// with physical pages on first touch.
func commit(addr, length uintptr) error {
	return unix.Mprotect(rawSlice(addr, length), unix.PROT_READ|unix.PROT_WRITE)
}

// decommit removes the physical backing of [addr, addr+length) and
// makes it inaccessible again, without releasing the address range.
func decommit(addr, length uintptr) error {
	s := rawSlice(addr, length)
	_ = unix.Madvise(s, unix.MADV_DONTNEED)
	return unix.Mprotect(s, unix.PROT_NONE)
}

// rawSlice builds a []byte view over an OS-managed address range so
// it can be passed to the x/sys/unix calls, which all take []byte.
// The backing memory is never Go-heap-managed, so this is safe as
// long as addr/length describe memory owned by this reservation.
func rawSlice(addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
