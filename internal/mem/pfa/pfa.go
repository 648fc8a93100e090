// Package pfa is the physical frame allocator: a flat bitmap over every
// 4 KiB frame of usable physical memory. It owns no virtual mappings and
// makes no allocation decisions beyond "which frame index is free" — the
// VMM and slab allocator are built on top of it.
package pfa

import (
	"kestrel/internal/klog"
	"kestrel/internal/util"
)

const (
	// PageShift is the base-2 exponent of the frame size.
	PageShift = 12
	// PageSize is the size in bytes of a single frame.
	PageSize = 1 << PageShift
	// maxRegionBytes truncates any single usable region reported by the
	// bootloader to this many bytes, per spec: fragmentation beyond this
	// cap is accepted rather than tracked.
	maxRegionBytes = 2 << 30
)

// wordBits is the width of one bitmap word.
const wordBits = 64

// Allocator is a bitmap-backed physical frame allocator. The zero value is
// not ready for use; call Init first. A single global instance (Default)
// is all a single-CPU kernel needs.
type Allocator struct {
	bitmap    []uint64 // 1 = used, 0 = free
	maxFrames uint64
	cursor    uint64 // first-fit scan starts here
	free      uint64 // count of free frames, for GetFreeFrames/FreeFrames
}

// Default is the kernel-wide physical frame allocator instance.
var Default Allocator

// Init marks every frame in a bitmap sized for maxFrames as used. Callers
// must follow with one or more AddFreeMemory calls before any Alloc*.
func (a *Allocator) Init(maxFrames uint64) {
	a.maxFrames = maxFrames
	words := util.DivRoundup(maxFrames, uint64(wordBits))
	a.bitmap = make([]uint64, words)
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.free = 0
	a.cursor = 0
	// frame 0 is permanently reserved (AddFreeMemory re-marks it used);
	// here it is already set.
}

// AddFreeMemory flips the frames covered by [phys, phys+length) to free.
// Called once per usable region the bootloader map reports. Region bytes
// beyond maxRegionBytes are silently truncated. Frame 0 is re-marked used
// unconditionally even if a region happens to cover it.
func (a *Allocator) AddFreeMemory(phys uint64, length uint64) {
	if length > maxRegionBytes {
		length = maxRegionBytes
	}
	start := phys >> PageShift
	end := (phys + length) >> PageShift
	for f := start; f < end && f < a.maxFrames; f++ {
		if a.testBit(f) {
			a.clearBit(f)
			a.free++
		}
	}
	if a.maxFrames > 0 && !a.testBit(0) {
		a.setBit(0)
		a.free--
	}
}

func (a *Allocator) wordIdx(f uint64) (word int, mask uint64) {
	return int(f / wordBits), 1 << (f % wordBits)
}

func (a *Allocator) testBit(f uint64) bool {
	w, m := a.wordIdx(f)
	return a.bitmap[w]&m != 0
}

func (a *Allocator) setBit(f uint64) {
	w, m := a.wordIdx(f)
	a.bitmap[w] |= m
}

func (a *Allocator) clearBit(f uint64) {
	w, m := a.wordIdx(f)
	a.bitmap[w] &^= m
}

// AllocFrame returns the physical address of a single free frame, marking
// it used. It panics on exhaustion: physical OOM has no safe continuation.
func (a *Allocator) AllocFrame() uint64 {
	start := a.cursor
	for i := uint64(0); i < a.maxFrames; i++ {
		f := (start + i) % a.maxFrames
		if !a.testBit(f) {
			a.setBit(f)
			a.free--
			a.cursor = f + 1
			if a.cursor >= a.maxFrames {
				a.cursor = 0
			}
			return f << PageShift
		}
	}
	klog.Panicf("pfa: out of physical memory")
	panic("unreachable")
}

// AllocContiguousFrames returns the physical base address of n
// consecutively free frames, committing all n on success. Panics on
// failure, same OOM semantics as AllocFrame. Rare (DMA-style) — a full
// bitmap rescan is an accepted cost.
func (a *Allocator) AllocContiguousFrames(n uint64) uint64 {
	if n == 0 {
		klog.Panicf("pfa: zero-length contiguous allocation")
	}
	var run uint64
	var runStart uint64
	for f := uint64(0); f < a.maxFrames; f++ {
		if a.testBit(f) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = f
		}
		run++
		if run == n {
			for i := uint64(0); i < n; i++ {
				a.setBit(runStart + i)
			}
			a.free -= n
			return runStart << PageShift
		}
	}
	klog.Panicf("pfa: no contiguous run of %d frames", n)
	panic("unreachable")
}

// FreeFrame releases a single frame. Double-free is tolerated: clearing an
// already-clear bit is idempotent.
func (a *Allocator) FreeFrame(phys uint64) {
	f := phys >> PageShift
	if f >= a.maxFrames {
		return
	}
	if a.testBit(f) {
		a.clearBit(f)
		a.free++
	}
}

// FreeContiguousFrames releases n frames starting at phys.
func (a *Allocator) FreeContiguousFrames(phys uint64, n uint64) {
	f := phys >> PageShift
	for i := uint64(0); i < n; i++ {
		a.FreeFrame((f + i) << PageShift)
	}
}

// GetFreeFrames reports the number of currently free frames.
func (a *Allocator) GetFreeFrames() uint64 {
	return a.free
}

// FreeFrames implements diag.Source for /dev/kstat.
func (a *Allocator) FreeFrames() uint64 { return a.free }

// TotalFrames implements diag.Source for /dev/kstat.
func (a *Allocator) TotalFrames() uint64 { return a.maxFrames }
