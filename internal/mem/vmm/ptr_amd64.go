package vmm

import "unsafe"

// ptrFromAddr reinterprets a raw virtual address as a pointer to a page
// table. Isolated in its own file, the way biscuit isolates unsafe
// pointer games in mem.Pg2bytes/Bytepg2pg, so the rest of the package
// reads as ordinary Go.
func ptrFromAddr(addr uintptr) *[entries]Pte {
	return (*[entries]Pte)(unsafe.Pointer(addr))
}

// ptrAt reinterprets addr as a generic pointer, used for the page-count
// header AllocContiguousKmem/FreeContiguousKmem read and write.
func ptrAt(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
