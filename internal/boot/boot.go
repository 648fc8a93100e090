// Package boot reads the Limine boot protocol's request/response
// structures: the physical memory map, the primary framebuffer
// descriptor, the HHDM offset, and the RSDP address. Grounded on
// original_source's lib/boot/{boot,limine-boot}.cpp and
// arch/x86_64/boot/limine_entry.cpp; the tagged-structure walk for the
// memory map and framebuffer arrays follows gopher-os's
// hal/multiboot.VisitMemRegions pointer-arithmetic idiom, adapted from a
// single flat tag list to Limine's array-of-pointers response shape.
//
// Limine discovers these request structures by scanning the kernel
// image for their magic IDs, which normally requires placing them in a
// linker-defined ".requests" section; Go gives no portable way to pin a
// struct to a named ELF section without hand-written assembly data
// directives, so that placement is not modeled here; this repository
// contains no linker script that places them.
package boot

import "unsafe"

// Limine request/response magic, shared across every request type.
var commonMagic = [2]uint64{0xc7b1dd30df4c8b88, 0x0a82e883a194f07b}

var (
	memmapRequestID      = [4]uint64{commonMagic[0], commonMagic[1], 0x67cf3d9d378a806f, 0xe304acdfc50c3c62}
	framebufferRequestID = [4]uint64{commonMagic[0], commonMagic[1], 0x9d5827dcd881dd75, 0xa3148604f6fab11b}
	hhdmRequestID        = [4]uint64{commonMagic[0], commonMagic[1], 0x48dcf1cb8ad2b852, 0x63984e959a98244b}
	rsdpRequestID        = [4]uint64{commonMagic[0], commonMagic[1], 0xc5e77b6b397e7b43, 0x27637845accdcf5c}
)

// rawMemmapEntry mirrors limine_memmap_entry's wire layout.
type rawMemmapEntry struct {
	Base   uint64
	Length uint64
	Type   uint64
}

// memmapResponse mirrors limine_memmap_response. Entries holds the
// address of a C array of *rawMemmapEntry (double indirection, per the
// real protocol), walked the same way acpi.go walks an XSDT's entry
// array of table addresses.
type memmapResponse struct {
	Revision   uint64
	EntryCount uint64
	Entries    uintptr
}

type memmapRequest struct {
	ID       [4]uint64
	Revision uint64
	Response *memmapResponse
}

// rawFramebuffer mirrors the leading, kernel-relevant fields of
// limine_framebuffer; the EDID/mode-list tail this kernel never reads is
// omitted.
type rawFramebuffer struct {
	Address     uint64
	Width       uint64
	Height      uint64
	Pitch       uint64
	BPP         uint16
	MemoryModel uint8
	_           uint8
}

type framebufferResponse struct {
	Revision         uint64
	FramebufferCount uint64
	Framebuffers     uintptr // address of a C array of *rawFramebuffer
}

type framebufferRequest struct {
	ID       [4]uint64
	Revision uint64
	Response *framebufferResponse
}

type hhdmResponse struct {
	Revision uint64
	Offset   uint64
}

type hhdmRequest struct {
	ID       [4]uint64
	Revision uint64
	Response *hhdmResponse
}

type rsdpResponse struct {
	Revision uint64
	Address  uint64
}

type rsdpRequest struct {
	ID       [4]uint64
	Revision uint64
	Response *rsdpResponse
}

var (
	memmapReq      = memmapRequest{ID: memmapRequestID}
	framebufferReq = framebufferRequest{ID: framebufferRequestID}
	hhdmReq        = hhdmRequest{ID: hhdmRequestID}
	rsdpReq        = rsdpRequest{ID: rsdpRequestID}
)

// MemoryMapEntryType classifies a physical memory range the way Limine
// reports it.
type MemoryMapEntryType uint64

const (
	MemUsable                MemoryMapEntryType = 0
	MemReserved              MemoryMapEntryType = 1
	MemACPIReclaimable       MemoryMapEntryType = 2
	MemACPINVS               MemoryMapEntryType = 3
	MemBadMemory             MemoryMapEntryType = 4
	MemBootloaderReclaimable MemoryMapEntryType = 5
	MemKernelAndModules      MemoryMapEntryType = 6
	MemFramebuffer           MemoryMapEntryType = 7
)

// MemoryMapEntry is one physical range from the Limine memory map.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryMapEntryType
}

// FramebufferInfo describes the primary framebuffer Limine set up.
type FramebufferInfo struct {
	Addr   uintptr
	Width  uint64
	Height uint64
	Pitch  uint64
	BPP    uint16
}

// Info is everything boot.Init extracts from the Limine responses, in
// the same order original_source's boot::init consumes them.
type Info struct {
	MemoryMap   []MemoryMapEntry
	Framebuffer *FramebufferInfo
	HHDMOffset  uintptr
	RSDPAddr    uint64
}

func readPointerArray(base uintptr, index uint64) uintptr {
	slot := base + uintptr(index)*8
	return *(*uintptr)(unsafe.Pointer(slot))
}

func walkMemoryMap(resp *memmapResponse) []MemoryMapEntry {
	out := make([]MemoryMapEntry, 0, resp.EntryCount)
	for i := uint64(0); i < resp.EntryCount; i++ {
		e := (*rawMemmapEntry)(unsafe.Pointer(readPointerArray(resp.Entries, i)))
		out = append(out, MemoryMapEntry{Base: e.Base, Length: e.Length, Type: MemoryMapEntryType(e.Type)})
	}
	return out
}

func firstFramebuffer(resp *framebufferResponse) *FramebufferInfo {
	if resp.FramebufferCount == 0 {
		return nil
	}
	fb := (*rawFramebuffer)(unsafe.Pointer(readPointerArray(resp.Framebuffers, 0)))
	return &FramebufferInfo{
		Addr:   uintptr(fb.Address),
		Width:  fb.Width,
		Height: fb.Height,
		Pitch:  fb.Pitch,
		BPP:    fb.BPP,
	}
}

// Init reads the Limine responses populated before kernel entry and
// returns the aggregated boot info. It never panics or logs (internal/klog
// isn't imported here, keeping this leaf package free of the logging
// dependency's own assumptions): a missing response leaves the matching
// Info field at its zero value, e.g. a nil Framebuffer or zero
// HHDMOffset, mirroring how boot::init in original_source trusts the
// bootloader unconditionally.
func Init() Info {
	var info Info
	if memmapReq.Response != nil {
		info.MemoryMap = walkMemoryMap(memmapReq.Response)
	}
	if framebufferReq.Response != nil {
		info.Framebuffer = firstFramebuffer(framebufferReq.Response)
	}
	if hhdmReq.Response != nil {
		info.HHDMOffset = uintptr(hhdmReq.Response.Offset)
	}
	if rsdpReq.Response != nil {
		info.RSDPAddr = rsdpReq.Response.Address
	}
	return info
}

// SetResponsesForTest installs synthetic Limine responses, returning a
// restore func.
func SetResponsesForTest(mm *memmapResponse, fb *framebufferResponse, hhdm *hhdmResponse, rsdp *rsdpResponse) (restore func()) {
	prevMM, prevFB, prevHH, prevRS := memmapReq.Response, framebufferReq.Response, hhdmReq.Response, rsdpReq.Response
	memmapReq.Response, framebufferReq.Response, hhdmReq.Response, rsdpReq.Response = mm, fb, hhdm, rsdp
	return func() {
		memmapReq.Response, framebufferReq.Response, hhdmReq.Response, rsdpReq.Response = prevMM, prevFB, prevHH, prevRS
	}
}
