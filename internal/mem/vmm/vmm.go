// Package vmm is the virtual memory manager: it walks and mutates the
// 4-level x86-64 page table, maintains the higher-half direct map (HHDM),
// and builds per-process address spaces. Grounded on biscuit's
// mem.Physmem_t.Dmap (HHDM translation) and vm.Vm_t's PTE-flag vocabulary,
// reshaped around gopher-os's explicit Page/Pte walker split.
package vmm

import (
	"kestrel/internal/klog"
	"kestrel/internal/mem/pfa"
	"kestrel/internal/util"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	entries   = 512
	// hhdmIndex is the PML4 index at/above which the HHDM and all other
	// kernel-half mappings live; user PML4s share these entries verbatim.
	hhdmIndex = 256
)

// Pte is a single 64-bit page-table entry, leaf or interior.
type Pte uint64

// Leaf/interior PTE bits, named per spec §3.
const (
	PteP   Pte = 1 << 0 // present
	PteW   Pte = 1 << 1 // writable
	PteU   Pte = 1 << 2 // user
	PtePWT Pte = 1 << 3 // write-through
	PtePCD Pte = 1 << 4 // cache-disable
	PteA   Pte = 1 << 5 // accessed
	PteD   Pte = 1 << 6 // dirty
	PtePAT Pte = 1 << 7
	PteG   Pte = 1 << 8 // global
	PteNX  Pte = 1 << 63
	pteAddrMask Pte = 0x000ffffffffff000
)

// Flags is the small public vocabulary callers use; it is translated to
// the leaf PTE bits above inside MapPage.
type Flags uint

const (
	FlagPresent      Flags = 1 << 0
	FlagWrite        Flags = 1 << 1
	FlagUser         Flags = 1 << 2
	FlagCacheDisable Flags = 1 << 3
)

func (f Flags) leafBits() Pte {
	var p Pte
	if f&FlagPresent != 0 {
		p |= PteP
	}
	if f&FlagWrite != 0 {
		p |= PteW
	}
	if f&FlagUser != 0 {
		p |= PteU
	}
	if f&FlagCacheDisable != 0 {
		p |= PtePCD
	}
	return p
}

// Addr returns the physical frame address encoded in a present PTE,
// leaf or interior.
func (p Pte) Addr() uint64 { return uint64(p) & uint64(pteAddrMask) }

// Pml4 is the top-level page table: 512 entries, each either empty or
// pointing at a page-directory-pointer table.
type Pml4 [entries]Pte

// Manager owns the HHDM offset and the kernel's own PML4, and provides the
// page-table walk used by every address space.
type Manager struct {
	hhdmOffset uintptr
	kernelPml4 *Pml4
	frames     *pfa.Allocator
}

// Default is the kernel-wide VMM instance.
var Default Manager

// Init captures the HHDM offset and the kernel PML4 (as loaded by the
// bootloader into CR3, read via this package's ReadCR3 primitive).
func (m *Manager) Init(hhdmOffset uintptr, kernelPml4Phys uint64, frames *pfa.Allocator) {
	m.hhdmOffset = hhdmOffset
	m.frames = frames
	m.kernelPml4 = (*Pml4)(m.phys2virtPtr(kernelPml4Phys))
}

func (m *Manager) phys2virtPtr(phys uint64) *[entries]Pte {
	v := m.hhdmOffset + uintptr(phys)
	return (*[entries]Pte)(ptrFromAddr(v))
}

// PhysToVirt returns the HHDM virtual address mapping the given physical
// address: phys_to_virt<T> from spec §4.2, specialised to uintptr.
func (m *Manager) PhysToVirt(phys uint64) uintptr {
	return m.hhdmOffset + uintptr(phys)
}

// HhdmVirtToPhys is the inverse of PhysToVirt, valid only for addresses
// inside the HHDM window.
func (m *Manager) HhdmVirtToPhys(virt uintptr) uint64 {
	if virt < m.hhdmOffset {
		klog.Panicf("vmm: %#x is not HHDM-resident", virt)
	}
	return uint64(virt - m.hhdmOffset)
}

// indices splits a canonical virtual address into its five levels.
func indices(virt uintptr) (pml4i, pdpti, pdi, pti int, off uintptr) {
	pml4i = int((virt >> 39) & 0x1ff)
	pdpti = int((virt >> 30) & 0x1ff)
	pdi = int((virt >> 21) & 0x1ff)
	pti = int((virt >> 12) & 0x1ff)
	off = virt & 0xfff
	return
}

// walkOrAlloc returns the table one level down from entry e, allocating and
// zeroing a fresh frame through the HHDM if the entry isn't present yet.
func (m *Manager) walkOrAlloc(table *[entries]Pte, idx int) *[entries]Pte {
	e := table[idx]
	if e&PteP == 0 {
		phys := m.frames.AllocFrame()
		next := m.phys2virtPtr(phys)
		for i := range next {
			next[i] = 0
		}
		table[idx] = Pte(phys) | PteP | PteW
		return next
	}
	return m.phys2virtPtr(uint64(e & pteAddrMask))
}

// MapPage installs a single 4 KiB mapping of virt -> phys in pml4, with
// leaf flags, allocating any missing interior page-table pages. It
// invalidates the TLB entry for virt on success. This is the central
// algorithm of the VMM per spec §4.2.
func (m *Manager) MapPage(pml4 *Pml4, virt uintptr, phys uint64, flags Flags) {
	pml4i, pdpti, pdi, pti, _ := indices(virt)
	pdpt := m.walkOrAlloc((*[entries]Pte)(pml4), pml4i)
	pd := m.walkOrAlloc(pdpt, pdpti)
	pt := m.walkOrAlloc(pd, pdi)
	pt[pti] = Pte(util.Rounddown(int64(phys), pageSize)) | flags.leafBits()
	invlpgFn(virt)
}

// MapHhdmPage maps phys into the HHDM window and returns the resulting
// virtual address; a convenience wrapper over MapPage against the kernel
// PML4 at its fixed HHDM offset.
func (m *Manager) MapHhdmPage(phys uint64, flags Flags) uintptr {
	virt := m.hhdmOffset + uintptr(util.Rounddown(int64(phys), pageSize))
	m.MapPage(m.kernelPml4, virt, phys, flags)
	return virt
}

// VirtToPhys walks pml4 and returns the physical address backing virt, or
// (0, false) if no leaf mapping exists.
func (m *Manager) VirtToPhys(pml4 *Pml4, virt uintptr) (uint64, bool) {
	pml4i, pdpti, pdi, pti, off := indices(virt)
	e := pml4[pml4i]
	if e&PteP == 0 {
		return 0, false
	}
	pdpt := m.phys2virtPtr(uint64(e & pteAddrMask))
	e = pdpt[pdpti]
	if e&PteP == 0 {
		return 0, false
	}
	pd := m.phys2virtPtr(uint64(e & pteAddrMask))
	e = pd[pdi]
	if e&PteP == 0 {
		return 0, false
	}
	pt := m.phys2virtPtr(uint64(e & pteAddrMask))
	e = pt[pti]
	if e&PteP == 0 {
		return 0, false
	}
	return uint64(e&pteAddrMask) + uint64(off), true
}

// CreateUserPml4 allocates a fresh PML4 whose upper half (index hhdmIndex
// and above) is an exact copy of the kernel PML4's upper half, and whose
// lower half is empty, per spec §3's PML4 invariant and §4.2.
func (m *Manager) CreateUserPml4() (*Pml4, uint64) {
	phys := m.frames.AllocFrame()
	pml4 := (*Pml4)(m.phys2virtPtr(phys))
	for i := range pml4 {
		if i >= hhdmIndex {
			pml4[i] = m.kernelPml4[i]
		} else {
			pml4[i] = 0
		}
	}
	return pml4, phys
}

// KernelPml4 returns the kernel's own top-level page table.
func (m *Manager) KernelPml4() *Pml4 {
	return m.kernelPml4
}

// UnmapRange clears num leaf entries starting at virt in pml4 and
// invalidates their TLB entries. It does not free the underlying frames —
// callers (proc termination, kheap's contiguous free) own that decision.
func (m *Manager) UnmapRange(pml4 *Pml4, virt uintptr, num int) {
	for i := 0; i < num; i++ {
		v := virt + uintptr(i*pageSize)
		pml4i, pdpti, pdi, pti, _ := indices(v)
		e := pml4[pml4i]
		if e&PteP == 0 {
			continue
		}
		pdpt := m.phys2virtPtr(uint64(e & pteAddrMask))
		e = pdpt[pdpti]
		if e&PteP == 0 {
			continue
		}
		pd := m.phys2virtPtr(uint64(e & pteAddrMask))
		e = pd[pdi]
		if e&PteP == 0 {
			continue
		}
		pt := m.phys2virtPtr(uint64(e & pteAddrMask))
		pt[pti] = 0
		invlpgFn(v)
	}
}

// AllocKpage returns a single HHDM-resident kernel page with no header —
// the raw building block slab and kheap's large-allocation path both sit
// on top of.
func (m *Manager) AllocKpage() uintptr {
	phys := m.frames.AllocFrame()
	return m.MapHhdmPage(phys, FlagPresent|FlagWrite)
}

// FreeKpage releases a page obtained from AllocKpage.
func (m *Manager) FreeKpage(virt uintptr) {
	phys := m.HhdmVirtToPhys(virt)
	m.frames.FreeFrame(phys)
}

// FreeFrame releases a bare physical frame back to the PFA. Used by
// process termination to free page-table pages once every mapping
// inside them has already been torn down.
func (m *Manager) FreeFrame(phys uint64) {
	m.frames.FreeFrame(phys)
}

// MapMemAt maps bytes worth of pages at virt in pml4 (rounding bytes up to
// a whole number of pages) and returns how many pages it mapped. Used by
// process creation to map ELF segments and the user stack.
func (m *Manager) MapMemAt(pml4 *Pml4, virt uintptr, bytes int, flags Flags) int {
	pages := (bytes + pageSize - 1) / pageSize
	for i := 0; i < pages; i++ {
		phys := m.frames.AllocFrame()
		v := virt + uintptr(i*pageSize)
		m.MapPage(pml4, v, phys, flags)
		zero := m.phys2virtPtr(phys)
		for j := range zero {
			zero[j] = 0
		}
	}
	return pages
}

// UnmapMemAt unmaps pages pages starting at virt and frees their backing
// frames, undoing a MapMemAt. Used when a process's recorded allocations
// are released on termination.
func (m *Manager) UnmapMemAt(pml4 *Pml4, virt uintptr, pages int) {
	for i := 0; i < pages; i++ {
		v := virt + uintptr(i*pageSize)
		if phys, ok := m.VirtToPhys(pml4, v); ok {
			m.frames.FreeFrame(phys)
		} else {
			klog.Warnf("vmm: unmap of unmapped address %#x", v)
		}
	}
	m.UnmapRange(pml4, virt, pages)
}

// headerWords is the size in bytes of the page-count header
// AllocContiguousKmem stores ahead of the memory it returns.
const headerWords = 8

// AllocContiguousKmem rounds bytes+header up to whole pages, pulls that
// many contiguous physical frames from the PFA, maps them into the HHDM,
// writes the page count into the leading word, and returns the address
// just past the header.
func (m *Manager) AllocContiguousKmem(bytes int) uintptr {
	total := bytes + headerWords
	pages := (total + pageSize - 1) / pageSize
	phys := m.frames.AllocContiguousFrames(uint64(pages))
	virt := m.hhdmOffset + uintptr(phys)
	for i := 0; i < pages; i++ {
		m.MapHhdmPage(phys+uint64(i*pageSize), FlagPresent|FlagWrite)
	}
	*(*uint64)(ptrAt(virt)) = uint64(pages)
	return virt + headerWords
}

// FreeContiguousKmem reads the page-count header written by
// AllocContiguousKmem and returns the frames to the PFA.
func (m *Manager) FreeContiguousKmem(virt uintptr) {
	headerAddr := virt - headerWords
	pages := *(*uint64)(ptrAt(headerAddr))
	phys := m.HhdmVirtToPhys(headerAddr)
	m.frames.FreeContiguousFrames(phys, pages)
}
