//go:build !cell_debug

package cellhdr

import "unsafe"

// Header sits at the base of every Cell.
type Header struct {
	Tag       uint8
	SizeClass uint8
	FreeCount uint16
	_         uint32 // reserved
}

const headerSize = unsafe.Sizeof(Header{})

// CheckAlive is a no-op in release builds; spec.md §7 treats an
// invalid pointer as undefined behavior outside debug builds.
func CheckAlive(*Header) {}

// MarkAlive is a no-op in release builds.
func MarkAlive(*Header) {}

// MarkFreed is a no-op in release builds.
func MarkFreed(*Header) {}

// Poison is a no-op in release builds.
func Poison(unsafe.Pointer, uintptr) {}
