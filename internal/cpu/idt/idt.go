// Package idt builds and loads the 256-entry Interrupt Descriptor Table
// and owns the assembly trampoline every vector funnels through on its
// way to internal/cpu/irq.Dispatch. Grounded structurally on
// original_source's interrupts/idt.cpp (entry layout, attribute bytes,
// the "all vectors kernel-only except 0x80" policy) and, for the
// bodyless-function-backed-by-.s idiom, on gopher-os's cpu package.
package idt

import (
	"unsafe"

	"kestrel/internal/cpu/irq"
	"kestrel/internal/klog"
)

// entry is one 16-byte IDT descriptor in long mode.
type entry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	attributes uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	numVectors = 256

	// kernelCodeSelector must match the GDT's 64-bit kernel code segment
	// selector; bootstrap installs the GDT before calling Init.
	kernelCodeSelector uint16 = 0x08

	// Attribute bytes: present, DPL, interrupt gate (type 0xE), packed as
	// documented in original_source's idt.cpp.
	attrKernelInterruptGate uint8 = 0x8E
	attrUserInterruptGate   uint8 = 0xEE
)

var table [numVectors]entry

// isrStubTable holds the address of each of the 256 per-vector trampoline
// entry points; populated by stubs_amd64.s at link time.
var isrStubTable [numVectors]uintptr

// setGate fills in table[vector] to point at isr, using the given IST
// index (0 to stay on the current stack) and attribute byte.
func setGate(vector int, isr uintptr, ist uint8, attrs uint8) {
	e := &table[vector]
	e.offsetLow = uint16(isr)
	e.selector = kernelCodeSelector
	e.ist = ist & 0x7
	e.attributes = attrs
	e.offsetMid = uint16(isr >> 16)
	e.offsetHigh = uint32(isr >> 32)
	e.reserved = 0
}

// Init populates all 256 descriptors and loads the IDT via LIDT. Every
// vector is kernel-only (DPL 0) except irq.VectorSyscall, which is
// installed with DPL 3 so userspace can reach it with INT 0x80.
func Init() {
	for v := 0; v < numVectors; v++ {
		attrs := attrKernelInterruptGate
		if v == int(irq.VectorSyscall) {
			attrs = attrUserInterruptGate
		}
		setGate(v, isrStubTable[v], 0, attrs)
	}

	base := uintptr(unsafe.Pointer(&table[0]))
	limit := uint16(unsafe.Sizeof(table) - 1)
	loadIdtFn(base, limit)
	klog.Infof("idt: loaded, %d vectors", numVectors)
}

// loadIdt issues LIDT with base/limit describing the table above.
// Implemented in idt_amd64.s.
func loadIdt(base uintptr, limit uint16)

// loadIdtFn indirects through loadIdt so tests (hosted at ring 3) can
// observe that Init attempted a load without actually executing LIDT.
var loadIdtFn = loadIdt

// SetLoadHookForTest replaces the LIDT primitive with fn, returning a
// restore func.
func SetLoadHookForTest(fn func(base uintptr, limit uint16)) (restore func()) {
	prev := loadIdtFn
	loadIdtFn = fn
	return func() { loadIdtFn = prev }
}

// dispatchTrampoline is the one Go symbol isrCommon (idt_amd64.s) calls
// into; it exists only to give the assembly a same-package callee, since
// a direct cross-package CALL from hand-written asm is not how Go
// resolves import paths in generated symbol names. It immediately hands
// off to irq.Dispatch, which owns the actual exception/IRQ routing.
func dispatchTrampoline(vector, errCode uint64, f *irq.Frame, r *irq.Regs) {
	irq.Dispatch(vector, errCode, f, r)
}
