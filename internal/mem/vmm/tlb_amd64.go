package vmm

// invlpg invalidates the single TLB entry covering virt. Implemented in
// tlb_amd64.s: one INVLPG instruction, irreducible to Go per spec §9's
// note on assembly glue.
func invlpg(virt uintptr)

// invlpgFn is the indirection MapPage/UnmapRange call through. Tests
// replace it to avoid executing a privileged instruction off of ring 0,
// the same seam gopher-os's vmm tests use for flushTLBEntryFn.
var invlpgFn = invlpg

// SetInvlpgHookForTest swaps the TLB invalidation primitive and returns a
// restore function. Exported so packages built on top of vmm (slab,
// kheap, proc) can exercise real page-table code in `go test` without
// executing INVLPG off of ring 0.
func SetInvlpgHookForTest(fn func(uintptr)) (restore func()) {
	orig := invlpgFn
	invlpgFn = fn
	return func() { invlpgFn = orig }
}
