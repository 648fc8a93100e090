package slab

import (
	"testing"
	"unsafe"

	"kestrel/internal/mem/pfa"
	"kestrel/internal/mem/vmm"
)

// newTestCache mirrors vmm's own test helper: back "physical" memory with a
// real Go slice so AllocKpage/FreeKpage can be exercised off real hardware.
func newTestCache(t *testing.T, frames uint64) *Cache {
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

	var c Cache
	c.Init(&vm)
	return &c
}

func TestAllocIsSlabBelow1025(t *testing.T) {
	c := newTestCache(t, 64)
	p := c.Alloc(100)
	if !IsSlab(p) {
		t.Fatal("chunk from slab cache must report IsSlab")
	}
}

func TestAllocZeroFilled(t *testing.T) {
	c := newTestCache(t, 64)
	p := c.Alloc(64)
	b := (*[64]byte)(p)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, v)
		}
	}
}

func TestFreeThenAllocSameClassSucceeds(t *testing.T) {
	c := newTestCache(t, 64)
	p := c.Alloc(32)
	c.Free(p)
	p2 := c.Alloc(32)
	if !IsSlab(p2) {
		t.Fatal("reallocated chunk should still be slab-backed")
	}
}

func TestFreeNonSlabPointerIsNoop(t *testing.T) {
	c := newTestCache(t, 64)
	var x [8]byte
	// Should not panic or corrupt anything.
	c.Free(unsafe.Pointer(&x[0]))
}

func TestManySmallAllocsCreateMultipleSlabs(t *testing.T) {
	c := newTestCache(t, 64)
	chunksPerSlab := (pageSize - int(headerSize)) / 32
	for i := 0; i < chunksPerSlab+5; i++ {
		p := c.Alloc(32)
		if !IsSlab(p) {
			t.Fatalf("allocation %d not slab-backed", i)
		}
	}
	if c.classes[0].slabCount < 2 {
		t.Fatalf("expected at least 2 slabs in class after overflowing one, got %d", c.classes[0].slabCount)
	}
}
