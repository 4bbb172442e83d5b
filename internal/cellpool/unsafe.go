package cellpool

import "unsafe"

// ptrAt views a raw address as an unsafe.Pointer for the purpose of
// reading/writing the intrusive free-list link word at its start.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
