// Package apic drives the Local APIC and I/O APIC: MMIO register access
// through the HHDM mapping ACPI's discovered addresses feed in, one-shot
// calibration of the LAPIC timer against an external time reference, IRQ
// routing for the I/O APIC redirection table, and end-of-interrupt
// signaling. Grounded on original_source's arch/x86_64/drivers/apic/
// apic.{hpp,cpp}; the legacy PIT this teacher calibrates against is an
// external collaborator per spec, so Init takes a reference-delay
// callback (CalibrationFn) instead of owning a PIT driver itself.
package apic

import (
	"unsafe"

	"kestrel/internal/cpu/irq"
	"kestrel/internal/klog"
	"kestrel/internal/mem/vmm"
)

// Local APIC register offsets (from its MMIO base).
const (
	lapicID            = 0x0020
	lapicVersion       = 0x0030
	lapicTPR           = 0x0080
	lapicEOI           = 0x00B0
	lapicSpurious      = 0x00F0
	lapicTimer         = 0x0320
	lapicTimerInit     = 0x0380
	lapicTimerCurrent  = 0x0390
	lapicTimerDivide   = 0x03E0

	lvtMasked       = 0x10000
	timerPeriodic   = 0x20000
	timerDivideBy16 = 0x3

	spuriousEnable = 0x100

	msrAPICBase       uint32 = 0x1B
	msrAPICBaseEnable uint64 = 1 << 11

	cpuidFeatAPIC uint32 = 1 << 9
)

// I/O APIC indirect register access: write the register number to
// IOREGSEL, then read/write its value through IOWIN.
const (
	ioapicIORegSel = 0x00
	ioapicIOWin    = 0x10
	ioapicRedtbl   = 0x10
)

func redtblLo(irqLine uint32) uint32 { return ioapicRedtbl + irqLine*2 }
func redtblHi(irqLine uint32) uint32 { return ioapicRedtbl + irqLine*2 + 1 }

var (
	lapicBase  uintptr
	ioapicBase uintptr
)

func lapicRead(reg uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(lapicBase + uintptr(reg)))
}

func lapicWrite(reg uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(lapicBase + uintptr(reg))) = value
}

func ioapicRead(reg uint32) uint32 {
	*(*uint32)(unsafe.Pointer(ioapicBase + ioapicIORegSel)) = reg
	return *(*uint32)(unsafe.Pointer(ioapicBase + ioapicIOWin))
}

func ioapicWrite(reg uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(ioapicBase + ioapicIORegSel)) = reg
	*(*uint32)(unsafe.Pointer(ioapicBase + ioapicIOWin)) = value
}

// SetLapicAddr maps the Local APIC's physical MMIO address (from
// acpi.LapicAddr) into the HHDM and records it for subsequent register
// access.
func SetLapicAddr(vm *vmm.Manager, phys uint64) {
	lapicBase = vm.MapHhdmPage(phys, vmm.FlagWrite|vmm.FlagCacheDisable)
}

// SetIOAPICAddr maps one I/O APIC's physical MMIO address into the HHDM.
// Kestrel targets single-IOAPIC systems; a second call replaces the
// first.
func SetIOAPICAddr(vm *vmm.Manager, phys uint64) {
	ioapicBase = vm.MapHhdmPage(phys, vmm.FlagWrite|vmm.FlagCacheDisable)
}

// SendEOI signals end-of-interrupt to the Local APIC; every IRQ handler
// registered through internal/cpu/irq must call this before returning.
func SendEOI() {
	lapicWrite(lapicEOI, 0)
}

// cpuid and rdmsr/wrmsr are this package's own thin wrappers around the
// privileged instructions CheckSupport/Enable need, following the same
// one-bodyless-function-per-instruction idiom as internal/cpu/percpu and
// internal/cpu/syscall rather than reaching across packages for them.
func cpuid1EDX() uint32
func rdmsr(msr uint32) uint64
func wrmsr(msr uint32, value uint64)

var (
	cpuid1EDXFn = cpuid1EDX
	rdmsrFn     = rdmsr
	wrmsrFn     = wrmsr
)

// SetCPUHooksForTest replaces the CPUID/RDMSR/WRMSR primitives, returning
// a restore func.
func SetCPUHooksForTest(cpuid func() uint32, read func(uint32) uint64, write func(uint32, uint64)) (restore func()) {
	prevCPUID, prevRead, prevWrite := cpuid1EDXFn, rdmsrFn, wrmsrFn
	cpuid1EDXFn, rdmsrFn, wrmsrFn = cpuid, read, write
	return func() { cpuid1EDXFn, rdmsrFn, wrmsrFn = prevCPUID, prevRead, prevWrite }
}

// CheckSupport reports whether CPUID advertises an on-chip Local APIC.
func CheckSupport() bool {
	return cpuid1EDXFn()&cpuidFeatAPIC != 0
}

// Enable sets the APIC global-enable bit in IA32_APIC_BASE.
func Enable() {
	wrmsrFn(msrAPICBase, rdmsrFn(msrAPICBase)|msrAPICBaseEnable)
}

// RouteIRQ programs the I/O APIC's redirection table so GSI gsi delivers
// vector to the (single, BSP) destination CPU with default polarity and
// trigger mode.
func RouteIRQ(gsi uint32, vector uint8) {
	entry := uint64(vector)
	ioapicWrite(redtblHi(gsi), uint32(entry>>32))
	ioapicWrite(redtblLo(gsi), uint32(entry))
}

// CalibrationFn is the calibration reference delay Init measures the LAPIC
// timer against, since this package owns no timer of its own. cmd/kestrel
// passes a fixed busy loop; no PIT-timed delay is used.
type CalibrationFn func()

// Init enables the Local APIC, unmasks it via the spurious-interrupt
// register, clears the task-priority register, and starts the timer in
// periodic mode with a period equal to the duration of one calibrate call,
// as measured by calibrateTimer. It panics if CPUID
// reports no APIC, or if SetLapicAddr/SetIOAPICAddr haven't run yet.
//
// onTick receives the interrupt frame and register snapshot the way
// original_source's timer::register_handler callbacks do, so a scheduler
// can rewrite them in place to switch to a different ready process before
// returning — internal/sched's preemptive reschedule is built on exactly
// this.
func Init(spuriousVector uint8, timerVector uint8, calibrate CalibrationFn, onTick func(f *irq.Frame, r *irq.Regs)) {
	klog.Infof("apic: init")
	if !CheckSupport() {
		klog.Panicf("apic: CPU reports no on-chip APIC")
	}
	if lapicBase == 0 || ioapicBase == 0 {
		klog.Panicf("apic: LAPIC/IOAPIC addresses not mapped yet")
	}

	Enable()
	lapicWrite(lapicSpurious, spuriousEnable|uint32(spuriousVector))
	lapicWrite(lapicTPR, 0)

	calibrateTimer(timerVector, calibrate)
	irq.RegisterIRQ(irq.Vector(timerVector), func(f *irq.Frame, r *irq.Regs) {
		onTick(f, r)
		SendEOI()
	})

	klog.Infof("apic: timer armed on vector %d", timerVector)
}

const timerInitialCount = 0xFFFFFFFF

func calibrateTimer(timerVector uint8, calibrate CalibrationFn) {
	lapicWrite(lapicTimerDivide, timerDivideBy16)
	lapicWrite(lapicTimerInit, timerInitialCount)

	calibrate()

	lapicWrite(lapicTimer, lvtMasked)
	ticks := uint32(timerInitialCount) - lapicRead(lapicTimerCurrent)

	lapicWrite(lapicTimer, uint32(timerVector)|timerPeriodic)
	lapicWrite(lapicTimerDivide, timerDivideBy16)
	lapicWrite(lapicTimerInit, ticks)
}

// ResetForTest clears the mapped MMIO bases, for test isolation.
func ResetForTest() {
	lapicBase = 0
	ioapicBase = 0
}
