// Package slab is a fixed-size object cache over single kernel pages, for
// objects no larger than 1 KiB. Grounded on biscuit's free-list-over-a-page
// idiom (mem.Physmem_t's own free list threads a "next" index through the
// pages it manages) generalised into the per-size-class scheme spec §4.3
// describes.
package slab

import (
	"unsafe"

	"kestrel/internal/klog"
	"kestrel/internal/mem/vmm"
)

// slabMagic sentinels a page as slab-owned; chosen to be recognizable in a
// debugger dump, the way biscuit scatters recognizable constants.
const slabMagic uint32 = 0x51ab0000

const pageSize = 4096

// sizeClasses are tried in order; the first class with size >= requested
// wins.
var sizeClasses = [...]int{32, 64, 128, 256, 512, 1024}

// header sits at offset 0 of every slab page.
type header struct {
	magic       uint32
	classIndex  int32
	freeHead    uintptr // offset of first free chunk from page base, or 0 when none
	freeChunks  int32
	chunksTotal int32
	prev        *header
	next        *header
}

// classState is the doubly-linked list of slabs for one size class; newest
// slab is at head.
type classState struct {
	size       int
	chunkSize  int
	head       *header
	slabCount  int
}

// Cache owns every size class and the single backing page source
// (internal/mem/vmm's AllocKpage/FreeKpage).
type Cache struct {
	classes [len(sizeClasses)]classState
	vm      *vmm.Manager
}

// Default is the kernel-wide slab cache.
var Default Cache

// Init wires the cache to its page source and sets up the size classes.
func (c *Cache) Init(vm *vmm.Manager) {
	c.vm = vm
	for i, sz := range sizeClasses {
		c.classes[i] = classState{size: sz, chunkSize: sz}
	}
}

// SlabsInUse implements diag.Source for /dev/kstat: the total page count
// backing every size class.
func (c *Cache) SlabsInUse() int {
	n := 0
	for _, cls := range c.classes {
		n += cls.slabCount
	}
	return n
}

// classFor returns the index of the first size class able to hold size
// bytes, or -1 if size exceeds the largest class.
func classFor(size int) int {
	for i, sz := range sizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

func pageBase(ptr uintptr) uintptr {
	return ptr &^ (pageSize - 1)
}

func headerAt(base uintptr) *header {
	return (*header)(unsafe.Pointer(base))
}

func chunkAt(base uintptr, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(base + off)
}

func nextFree(chunk unsafe.Pointer) uintptr {
	return *(*uintptr)(chunk)
}

func setNextFree(chunk unsafe.Pointer, next uintptr) {
	*(*uintptr)(chunk) = next
}

const headerSize = unsafe.Sizeof(header{})

// newSlab pulls one page from the VMM and lays down a header followed by a
// free-list threading every equally-sized chunk together.
func (c *Cache) newSlab(ci int) *header {
	cls := &c.classes[ci]
	page := c.vm.AllocKpage()
	h := headerAt(page)
	h.magic = slabMagic
	h.classIndex = int32(ci)
	h.chunksTotal = int32((pageSize - int(headerSize)) / cls.chunkSize)
	h.freeChunks = h.chunksTotal

	firstChunk := headerSize
	off := firstChunk
	h.freeHead = off
	for i := int32(0); i < h.chunksTotal; i++ {
		next := off + uintptr(cls.chunkSize)
		if i == h.chunksTotal-1 {
			next = 0 // sentinel: 0 never occurs as a real offset (header owns it)
		}
		setNextFree(chunkAt(page, off), next)
		off = next
	}

	h.next = cls.head
	if cls.head != nil {
		cls.head.prev = h
	}
	h.prev = nil
	cls.head = h
	cls.slabCount++
	return h
}

// Alloc returns a zero-filled chunk from the first size class able to hold
// size bytes, or panics if size exceeds the largest class (callers — i.e.
// kheap — are expected to route anything over 1024 bytes elsewhere).
func (c *Cache) Alloc(size int) unsafe.Pointer {
	ci := classFor(size)
	if ci < 0 {
		klog.Panicf("slab: size %d exceeds largest size class", size)
	}
	cls := &c.classes[ci]

	// Search for the first slab in the class with a non-empty free list,
	// starting from head, per spec §4.3.
	h := cls.head
	for h != nil {
		if h.freeChunks > 0 {
			break
		}
		h = h.next
	}
	if h == nil {
		h = c.newSlab(ci)
	}

	base := pageBase(uintptr(unsafe.Pointer(h)))
	off := h.freeHead
	chunk := chunkAt(base, off)
	h.freeHead = nextFree(chunk)
	h.freeChunks--

	zero := (*[1024]byte)(chunk)
	for i := 0; i < cls.chunkSize; i++ {
		zero[i] = 0
	}
	return chunk
}

// IsSlab tests whether ptr was handed out by this cache by checking the
// magic sentinel at the page-aligned base.
func IsSlab(ptr unsafe.Pointer) bool {
	base := pageBase(uintptr(ptr))
	h := headerAt(base)
	return h.magic == slabMagic
}

// Free returns ptr to its owning slab's free list. A magic mismatch means
// ptr was never a slab allocation; Free returns silently rather than
// corrupting whatever page ptr actually lives in. If the slab becomes
// entirely free and it is not the only slab in its class, it is unlinked
// and its page is returned to the VMM.
func (c *Cache) Free(ptr unsafe.Pointer) {
	base := pageBase(uintptr(ptr))
	h := headerAt(base)
	if h.magic != slabMagic {
		return
	}
	cls := &c.classes[h.classIndex]

	off := uintptr(ptr) - base
	setNextFree(ptr, h.freeHead)
	h.freeHead = off
	h.freeChunks++

	if h.freeChunks == h.chunksTotal && cls.slabCount > 1 {
		if h.prev != nil {
			h.prev.next = h.next
		} else {
			cls.head = h.next
		}
		if h.next != nil {
			h.next.prev = h.prev
		}
		cls.slabCount--
		c.vm.FreeKpage(base)
	}
}
