// Package kheap is the unified kernel heap façade: kmalloc/kfree dispatch
// small allocations to the slab cache and large ones to the VMM's
// contiguous-page allocator. Grounded on spec §4.4; biscuit's global
// `new`/`delete`-equivalents are the idiom this mirrors (every kernel
// allocation site goes through one chokepoint rather than calling the
// slab or VMM allocators directly).
package kheap

import (
	"unsafe"

	"kestrel/internal/mem/slab"
	"kestrel/internal/mem/vmm"
)

// slabCeiling is the largest request size the slab cache will serve;
// anything bigger routes to the VMM's contiguous kernel memory allocator.
const slabCeiling = 1024

// Heap wires together the two allocation paths.
type Heap struct {
	slabs *slab.Cache
	vm    *vmm.Manager
}

// Default is the kernel-wide heap façade.
var Default Heap

// Init wires the façade to its two backing allocators.
func (h *Heap) Init(slabs *slab.Cache, vm *vmm.Manager) {
	h.slabs = slabs
	h.vm = vm
}

// Kmalloc returns a pointer to size freshly allocated bytes, or nil for a
// zero-size request. Requests of 1024 bytes or fewer are served by the
// slab cache; larger requests go to the VMM.
func (h *Heap) Kmalloc(size int) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if size <= slabCeiling {
		return h.slabs.Alloc(size)
	}
	return unsafe.Pointer(h.vm.AllocContiguousKmem(size))
}

// Kfree releases a pointer obtained from Kmalloc. Kfree(nil) is a no-op.
// It tests slab.IsSlab first; a non-slab pointer is assumed to be a
// VMM-backed contiguous allocation.
func (h *Heap) Kfree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if slab.IsSlab(ptr) {
		h.slabs.Free(ptr)
		return
	}
	h.vm.FreeContiguousKmem(uintptr(ptr))
}
