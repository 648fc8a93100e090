package kheap

import (
	"testing"
	"unsafe"

	"kestrel/internal/mem/pfa"
	"kestrel/internal/mem/slab"
	"kestrel/internal/mem/vmm"
)

func newTestHeap(t *testing.T, frames uint64) *Heap {
	t.Helper()
	t.Cleanup(vmm.SetInvlpgHookForTest(func(uintptr) {}))

	backing := make([]byte, frames*pfa.PageSize)
	base := uintptr(unsafe.Pointer(&backing[0]))

	var alloc pfa.Allocator
	alloc.Init(frames)
	alloc.AddFreeMemory(0, frames*pfa.PageSize)

	var vm vmm.Manager
	kernelPhys := alloc.AllocFrame()
	vm.Init(base, kernelPhys, &alloc)

	var sc slab.Cache
	sc.Init(&vm)

	var h Heap
	h.Init(&sc, &vm)
	return &h
}

func TestKmallocZeroReturnsNil(t *testing.T) {
	h := newTestHeap(t, 64)
	if h.Kmalloc(0) != nil {
		t.Fatal("kmalloc(0) must return nil")
	}
}

func TestKfreeNilIsNoop(t *testing.T) {
	h := newTestHeap(t, 64)
	h.Kfree(nil) // must not panic
}

func TestSmallAllocUsesSlab(t *testing.T) {
	h := newTestHeap(t, 64)
	p := h.Kmalloc(1024)
	if !slab.IsSlab(p) {
		t.Fatal("kmalloc(1024) must be slab-backed")
	}
}

func TestLargeAllocSkipsSlab(t *testing.T) {
	h := newTestHeap(t, 64)
	p := h.Kmalloc(1025)
	if slab.IsSlab(p) {
		t.Fatal("kmalloc(1025) must not be slab-backed")
	}
}

func TestKfreeThenReallocSucceeds(t *testing.T) {
	h := newTestHeap(t, 64)
	p := h.Kmalloc(64)
	h.Kfree(p)
	p2 := h.Kmalloc(64)
	if !slab.IsSlab(p2) {
		t.Fatal("reallocation after free should still be slab-backed")
	}
}
