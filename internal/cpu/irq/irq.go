// Package irq is the interrupt dispatch layer: it defines the register and
// exception-frame shapes the CPU and the ISR trampoline (internal/cpu/idt)
// agree on, and routes each vector to either a registered exception handler
// or a registered hardware IRQ handler. Grounded on gopher-os's
// irq.Regs/irq.Frame/HandleException split (same field layout, same
// bodyless-registration idiom) generalised with the vector-table dispatch
// original_source's interrupts/irq.cpp performs in C++.
package irq

import "kestrel/internal/klog"

// Regs is a snapshot of the general-purpose registers at the moment an
// interrupt occurred, saved by the ISR trampoline in internal/cpu/idt
// before it calls Dispatch. Field order matches the push order in
// idt_amd64.s; do not reorder without updating the assembly.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Frame is the exception frame the CPU itself pushes on interrupt entry.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Vector identifies one of the 256 IDT slots.
type Vector uint8

// CPU exception vectors (0-31). Only the ones a handler or message table
// below actually needs a name for are listed; the rest are addressed
// numerically.
const (
	ExcDivideError       Vector = 0
	ExcDebug             Vector = 1
	ExcNMI               Vector = 2
	ExcBreakpoint        Vector = 3
	ExcOverflow          Vector = 4
	ExcBoundRange        Vector = 5
	ExcInvalidOpcode     Vector = 6
	ExcDeviceNotAvail    Vector = 7
	ExcDoubleFault       Vector = 8
	ExcInvalidTSS        Vector = 10
	ExcSegmentNotPresent Vector = 11
	ExcStackSegment      Vector = 12
	ExcGeneralProtection Vector = 13
	ExcPageFault         Vector = 14
	ExcFPUError          Vector = 16
	ExcAlignmentCheck    Vector = 17
	ExcMachineCheck      Vector = 18
	ExcSIMDFP            Vector = 19
	ExcVirtualization    Vector = 20
	ExcSecurity          Vector = 30

	// ExcMax is one past the highest CPU-exception vector; vectors at or
	// above this are hardware IRQs or software-triggered (e.g. SYSCALL's
	// legacy INT 0x80 entry).
	ExcMax Vector = 32

	// VectorSyscall is the legacy INT 0x80 syscall gate; it is the only
	// vector installed with DPL=3 so userspace can trigger it directly.
	VectorSyscall Vector = 0x80

	numVectors = 256
)

var exceptionNames = [32]string{
	0:  "divide error (#DE)",
	1:  "debug (#DB)",
	2:  "non-maskable interrupt",
	3:  "breakpoint (#BP)",
	4:  "overflow (#OF)",
	5:  "bound range exceeded (#BR)",
	6:  "invalid opcode (#UD)",
	7:  "device not available (#NM)",
	8:  "double fault (#DF)",
	9:  "coprocessor segment overrun",
	10: "invalid TSS (#TS)",
	11: "segment not present (#NP)",
	12: "stack segment fault (#SS)",
	13: "general protection fault (#GP)",
	14: "page fault (#PF)",
	15: "reserved",
	16: "x87 FPU error (#MF)",
	17: "alignment check (#AC)",
	18: "machine check (#MC)",
	19: "SIMD floating-point (#XM)",
	20: "virtualization exception (#VE)",
	21: "control protection (#CP)",
	29: "VMM communication (#VC)",
	30: "security exception (#SX)",
}

// ExceptionHandler handles an exception that pushes no error code.
type ExceptionHandler func(f *Frame, r *Regs)

// ExceptionHandlerWithCode handles an exception that pushes an error code
// (vectors 8, 10-14, 17, 21, 29, 30).
type ExceptionHandlerWithCode func(code uint64, f *Frame, r *Regs)

// IRQHandler handles a hardware interrupt (vector >= ExcMax).
type IRQHandler func(f *Frame, r *Regs)

var (
	exceptionHandlers         [ExcMax]ExceptionHandler
	exceptionHandlersWithCode [ExcMax]ExceptionHandlerWithCode
	irqHandlers               [numVectors]IRQHandler
)

// HasErrorCode reports whether the CPU pushes an error code for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case 8, 10, 11, 12, 13, 14, 17, 21, 29, 30:
		return true
	default:
		return false
	}
}

// HandleException registers handler for a CPU exception vector that pushes
// no error code.
func HandleException(v Vector, handler ExceptionHandler) {
	exceptionHandlers[v] = handler
}

// HandleExceptionWithCode registers handler for a CPU exception vector that
// pushes an error code.
func HandleExceptionWithCode(v Vector, handler ExceptionHandlerWithCode) {
	exceptionHandlersWithCode[v] = handler
}

// RegisterIRQ registers handler for a hardware IRQ vector (v >= ExcMax).
// Vectors below ExcMax are exceptions and are rejected.
func RegisterIRQ(v Vector, handler IRQHandler) {
	if v < ExcMax {
		return
	}
	irqHandlers[v] = handler
}

// Dispatch is called by the ISR trampoline (idt_amd64.s) for every vector.
// It is the single Go-side chokepoint every one of the 256 stubs funnels
// into, mirroring original_source's interrupt_handler: vectors below
// ExcMax are CPU exceptions, handled via the registered exception handler
// or a panic if none is registered; vectors at or above ExcMax are
// hardware IRQs, dispatched to a registered handler or silently dropped.
func Dispatch(vector uint64, errCode uint64, f *Frame, r *Regs) {
	v := Vector(vector)
	if v < ExcMax {
		dispatchException(v, errCode, f, r)
		return
	}
	if h := irqHandlers[v]; h != nil {
		h(f, r)
	}
}

func dispatchException(v Vector, errCode uint64, f *Frame, r *Regs) {
	if v.HasErrorCode() {
		if h := exceptionHandlersWithCode[v]; h != nil {
			h(errCode, f, r)
			return
		}
	} else if h := exceptionHandlers[v]; h != nil {
		h(f, r)
		return
	}
	panicUnhandled(v, errCode, f, r)
}

// CrashDumpHook, if set, is called with the faulting RIP right before an
// unhandled exception panics, so internal/diag can append a disassembly
// of the faulting instruction to the crash dump without this package
// needing to import diag itself (diag is a devfs/debug-build concern;
// irq is not).
var CrashDumpHook func(rip uint64)

func panicUnhandled(v Vector, errCode uint64, f *Frame, r *Regs) {
	name := "reserved"
	if int(v) < len(exceptionNames) && exceptionNames[v] != "" {
		name = exceptionNames[v]
	}
	if CrashDumpHook != nil {
		CrashDumpHook(f.RIP)
	}
	if v == ExcPageFault {
		klog.Panicf("unhandled %s at rip=%#x err=%#x cr2=%#x", name, f.RIP, errCode, readCR2Fn())
	}
	klog.Panicf("unhandled %s at rip=%#x err=%#x", name, f.RIP, errCode)
}

// readCR2 returns the faulting linear address recorded by the CPU for the
// most recent page fault. Implemented in cr2_amd64.s.
func readCR2() uint64

// readCR2Fn indirects through readCR2 so tests (hosted at ring 3, with no
// CR2 to read) can substitute a fake fault address.
var readCR2Fn = readCR2

// SetCR2HookForTest replaces the CR2 read primitive with fn, returning a
// restore func.
func SetCR2HookForTest(fn func() uint64) (restore func()) {
	prev := readCR2Fn
	readCR2Fn = fn
	return func() { readCR2Fn = prev }
}

// ResetForTest clears every registered handler. Tests call this so vector
// registrations from one test don't leak into the next; the handler
// tables are package-level because the real ISR trampoline must reach
// them without an intervening receiver.
func ResetForTest() {
	exceptionHandlers = [ExcMax]ExceptionHandler{}
	exceptionHandlersWithCode = [ExcMax]ExceptionHandlerWithCode{}
	irqHandlers = [numVectors]IRQHandler{}
}
