// Command kestrel is the kernel entry point: it wires every subsystem
// together in the dependency order spec §2 demands (GDT/IDT before
// interrupts, PFA/VMM/slab/heap before anything allocates, ACPI/APIC
// before the timer, syscalls/scheduler before the first process runs,
// VFS mounts before the initramfs init process opens its first file).
// Grounded on original_source's kernel/main.cpp (kernel_main's linear
// boot sequence) and gopher-os's cmd/kernel entry shape (bodyless Go
// function called directly from an assembly _start stub, no runtime
// init beyond what the linker script guarantees).
package main

import (
	"unsafe"

	"kestrel/internal/acpi"
	"kestrel/internal/apic"
	"kestrel/internal/boot"
	"kestrel/internal/cpu/idt"
	"kestrel/internal/cpu/irq"
	"kestrel/internal/cpu/percpu"
	"kestrel/internal/cpu/syscall"
	"kestrel/internal/diag"
	"kestrel/internal/drivers/kbd"
	"kestrel/internal/fs/devfs"
	"kestrel/internal/fs/initramfs"
	"kestrel/internal/fs/vfs"
	"kestrel/internal/kconfig"
	"kestrel/internal/klog"
	"kestrel/internal/mem/kheap"
	"kestrel/internal/mem/pfa"
	"kestrel/internal/mem/slab"
	"kestrel/internal/mem/vmm"
	"kestrel/internal/proc"
	"kestrel/internal/sched"
	"kestrel/internal/syscalls"
)

// initramfsPhys/initramfsLen locate the Limine-loaded TAR module; a real
// boot wires these from a module request in internal/boot the same way
// HHDMOffset/RSDPAddr are wired today (left as vars, not a request
// struct, since no second bootable module exists yet to motivate
// generalizing boot.Init's request set further).
var (
	initramfsPhys uint64
	initramfsLen  uint64
)

// kstatSource adapts the independently-owned PFA/slab/scheduler counters
// into the single diag.Source interface /dev/kstat reads from.
type kstatSource struct {
	frames *pfa.Allocator
	slabs  *slab.Cache
}

func (s kstatSource) FreeFrames() uint64  { return s.frames.GetFreeFrames() }
func (s kstatSource) TotalFrames() uint64 { return s.frames.TotalFrames() }
func (s kstatSource) SlabsInUse() int     { return s.slabs.SlabsInUse() }
func (s kstatSource) LiveProcesses() int  { return sched.LiveProcesses() }

// main is the kernel's logical entry point (this repository contains no
// _start assembly stub); there is no hosted Go runtime underneath it (no
// os, no goroutine scheduler), so this function never returns.
func main() {
	kmain()
}

func kmain() {
	klog.Infof("kestrel: booting")

	info := boot.Init()
	if info.Framebuffer == nil || info.HHDMOffset == 0 {
		klog.Panicf("kestrel: bootloader did not deliver a usable boot info")
	}

	idt.Init()
	installCrashDumpHook()

	frames := &pfa.Default
	frames.Init(kconfig.MaxPhysFrames)
	for _, e := range info.MemoryMap {
		if e.Type == boot.MemUsable {
			frames.AddFreeMemory(e.Base, e.Length)
		}
	}

	vm := &vmm.Default
	vm.Init(info.HHDMOffset, vmm.ReadCR3(), frames)

	slabs := &slab.Default
	slabs.Init(vm)
	heap := &kheap.Default
	heap.Init(slabs, vm)

	acpi.Init(vm, info.RSDPAddr)
	apic.SetLapicAddr(vm, acpi.LapicAddr)
	if io := acpi.IOAPICForGSI(0); io != nil {
		apic.SetIOAPICAddr(vm, uint64(io.Addr))
	}

	percpu.Activate(percpu.New())
	syscall.Init()
	installKernelContextHook()

	sched.Init(vm, heap)
	sched.ArmTimer(0xFF, 0x20, busyLoopCalibration)

	kbdGSI := acpi.GSIForIRQ(1)
	if kbd.Init(kbdGSI, 0x21) {
		apic.RouteIRQ(kbdGSI, 0x21)
	}

	vfs.Mount("/", initramfs.Init(initramfsImage(vm)))
	vfs.Mount("/dev", devfs.FS{})
	devfs.StatSource = kstatSource{frames: frames, slabs: slabs}

	syscalls.Register(vm, heap)

	startInitProcess(vm, heap)

	klog.Infof("kestrel: idle")
	for {
		sched.Halt()
	}
}

// busyLoopCalibration is the timer calibration reference delay required
// by apic.Init: a fixed-iteration spin loop. original_source calibrates
// the LAPIC timer against the legacy PIT, an external collaborator per
// spec §1 that this kernel does not drive directly; a plain busy loop is
// a coarser but dependency-free substitute, accepted here since no PIT
// package exists anywhere in the stack this kernel draws from.
func busyLoopCalibration() {
	const spinIterations = 10_000_000
	x := uint64(0)
	for i := 0; i < spinIterations; i++ {
		x += uint64(i)
	}
	_ = x
}

// initramfsImage overlays the bootloader-reported initramfs module as a
// byte slice reached through the HHDM. A zero-length module (no module
// request wired up yet) yields an empty, valid-but-empty archive rather
// than panicking, so a partially-wired boot path still reaches the idle
// loop.
func initramfsImage(vm *vmm.Manager) []byte {
	if initramfsLen == 0 {
		return nil
	}
	virt := vm.PhysToVirt(initramfsPhys)
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), int(initramfsLen))
}

// startInitProcess opens /sbin/init from the mounted initramfs and
// admits it to the scheduler's run list, mirroring original_source's
// kernel_main spawning the first userspace process once the VFS is
// live.
func startInitProcess(vm *vmm.Manager, heap *kheap.Heap) {
	fd, err := vfs.Open("/sbin/init", 0)
	if err != nil {
		klog.Warnf("kestrel: no /sbin/init in the initramfs image: %v", err)
		return
	}
	defer fd.Close()

	image := make([]byte, fd.Inode.Size)
	if _, err := fd.Read(image); err != nil {
		klog.Warnf("kestrel: failed to read /sbin/init: %v", err)
		return
	}

	p, err := proc.New(vm, heap, image)
	if err != nil {
		klog.Warnf("kestrel: failed to load /sbin/init: %v", err)
		return
	}
	sched.AddProcess(p)
}

// installKernelContextHook wires internal/cpu/syscall's dispatch-entry hook
// to the scheduler, so every syscall marks its calling process as having a
// valid kernel context per spec §4.6 before the handler runs. Without
// this, a process that blocks in its very first syscall (sys_sleep_ms, a
// blocking /dev/tty1 read) is never a candidate findReadyKernelProcess can
// switch to or away from, and the cooperative yield path deadlocks.
func installKernelContextHook() {
	syscall.MarkKernelContextHook = func() {
		if p := sched.CurrentProcess(); p != nil {
			p.HasKernelContext = true
		}
	}
}

// installCrashDumpHook wires internal/cpu/irq's unhandled-exception hook
// to internal/diag, so a fatal fault's log line is preceded by a
// disassembly of the faulting instruction, per spec §4.5 enriched with
// real decoding instead of a bare register dump.
func installCrashDumpHook() {
	irq.CrashDumpHook = func(rip uint64) {
		var window [16]byte
		ptr := unsafe.Pointer(uintptr(rip))
		for i := range window {
			window[i] = *(*byte)(unsafe.Pointer(uintptr(ptr) + uintptr(i)))
		}
		klog.Warnf("kestrel: %s", diag.DisassembleOne(rip, window[:]))
	}
}
