// Package sched is the preemptive/cooperative scheduler: a single
// ordered run list of processes, three timer hooks (wake, reap,
// schedule) fired in order on every timer tick, and a cooperative
// YieldBlocked used by syscalls and drivers that must wait on a
// kernel-managed event. Grounded on original_source's
// lib/scheduler/scheduler.cpp.
package sched

import (
	"unsafe"

	"kestrel/internal/apic"
	"kestrel/internal/cpu/irq"
	"kestrel/internal/cpu/percpu"
	"kestrel/internal/diag/kprofile"
	"kestrel/internal/kconfig"
	"kestrel/internal/klog"
	"kestrel/internal/mem/kheap"
	"kestrel/internal/mem/vmm"
	"kestrel/internal/proc"
)

// kernelCodeSelector is internal/cpu/idt's GDT kernel code selector
// (RPL 0); a timer tick whose interrupt frame selects it is running
// kernel code and is never preempted, per spec §4.8.
const kernelCodeSelector = 0x08

var (
	vm   *vmm.Manager
	heap *kheap.Heap

	processes []*proc.Process
	ticksMs   uint64
)

// Init wires the scheduler to the VMM and heap it needs for CR3
// switches and process teardown.
func Init(m *vmm.Manager, h *kheap.Heap) {
	vm, heap = m, h
}

// AddProcess admits p to the run list. Called once, right after
// proc.New succeeds.
func AddProcess(p *proc.Process) {
	processes = append(processes, p)
}

// ArmTimer registers the wake/reap/schedule hook chain on the APIC
// timer. The tick period is the duration of one calibrate call (see
// apic.Init); each tick advances the uptime counter by 1000/kconfig.TimerHz
// milliseconds.
func ArmTimer(spuriousVector, timerVector uint8, calibrate apic.CalibrationFn) {
	apic.Init(spuriousVector, timerVector, calibrate, onTick)
}

func currentProcess() *proc.Process {
	return (*proc.Process)(percpu.Current().Process)
}

// CurrentProcess returns the per-CPU running process, for callers (the
// tty line discipline, syscall dispatch) outside this package that need
// to know who they are blocking.
func CurrentProcess() *proc.Process {
	return currentProcess()
}

// Ticks returns the number of milliseconds of uptime the scheduler has
// observed, as of the last timer tick. /dev/random derives its
// (non-cryptographic) output from this counter.
func Ticks() uint64 {
	return ticksMs
}

// LiveProcesses implements diag.Source for /dev/kstat: the count of
// processes not yet reaped.
func LiveProcesses() int {
	return len(processes)
}

func findReadyKernelProcess() *proc.Process {
	for _, p := range processes {
		if p.State == proc.StateReady && p.HasKernelContext {
			return p
		}
	}
	return nil
}

func findReadyUserProcess() *proc.Process {
	for _, p := range processes {
		if p.State == proc.StateReady && p.HasUserContext {
			return p
		}
	}
	return nil
}

// wakeSleepingProcesses is timer hook 1: any BLOCKED process whose
// wake_time_ms has passed becomes READY.
func wakeSleepingProcesses(ticks uint64) {
	for _, p := range processes {
		if p.State == proc.StateBlocked && p.WakeTimeMs > 0 && ticks > p.WakeTimeMs {
			p.State = proc.StateReady
			p.WakeTimeMs = 0
		}
	}
}

// reapDeadProcesses is timer hook 2: any DEAD process other than the
// one currently running is torn down and dropped from the run list.
// original_source's terminate_process frees the process object but
// never removes it from g_processes, leaving a dangling pointer behind
// for as long as the kernel runs; dropping it from the slice here is a
// straightforward correctness fix, not a behavior change a caller could
// observe.
func reapDeadProcesses() {
	var currentPid uint64
	if current := currentProcess(); current != nil {
		currentPid = current.Pid
	}

	kept := processes[:0]
	for _, p := range processes {
		if p.State == proc.StateDead && p.Pid != currentPid {
			proc.Terminate(vm, heap, p)
			continue
		}
		kept = append(kept, p)
	}
	processes = kept
}

// checkpoint copies a preempted process's register state out of the
// interrupt frame it was running on.
func checkpoint(p *proc.Process, f *irq.Frame, r *irq.Regs) {
	p.HasKernelContext = false
	p.HasUserContext = true
	if p.State == proc.StateRunning {
		p.State = proc.StateReady
	}

	p.Regs.RIP, p.Regs.RSP, p.Regs.RFLAGS = f.RIP, f.RSP, f.RFlags
	p.Regs.CS, p.Regs.SS = f.CS, f.SS
	p.Regs.RAX, p.Regs.RBX, p.Regs.RCX, p.Regs.RDX = r.RAX, r.RBX, r.RCX, r.RDX
	p.Regs.RSI, p.Regs.RDI, p.Regs.RBP = r.RSI, r.RDI, r.RBP
	p.Regs.R8, p.Regs.R9, p.Regs.R10, p.Regs.R11 = r.R8, r.R9, r.R10, r.R11
	p.Regs.R12, p.Regs.R13, p.Regs.R14, p.Regs.R15 = r.R12, r.R13, r.R14, r.R15
}

// install writes a process's saved register image into the interrupt
// frame about to be IRETQ'd into, and makes it the running process.
func install(p *proc.Process, f *irq.Frame, r *irq.Regs) {
	p.State = proc.StateRunning
	p.HasKernelContext = false
	p.HasUserContext = true

	pcpu := percpu.Current()
	pcpu.Process = unsafe.Pointer(p)
	pcpu.KernelRsp = uint64(p.KernelRsp)
	vm.SwitchPml4(p.Pml4Phys)

	f.RIP, f.RSP, f.RFlags = p.Regs.RIP, p.Regs.RSP, p.Regs.RFLAGS
	f.CS, f.SS = p.Regs.CS, p.Regs.SS
	r.RAX, r.RBX, r.RCX, r.RDX = p.Regs.RAX, p.Regs.RBX, p.Regs.RCX, p.Regs.RDX
	r.RSI, r.RDI, r.RBP = p.Regs.RSI, p.Regs.RDI, p.Regs.RBP
	r.R8, r.R9, r.R10, r.R11 = p.Regs.R8, p.Regs.R9, p.Regs.R10, p.Regs.R11
	r.R12, r.R13, r.R14, r.R15 = p.Regs.R12, p.Regs.R13, p.Regs.R14, p.Regs.R15
}

// schedule is timer hook 3: the preemptive reschedule of spec §4.8.
func schedule(f *irq.Frame, r *irq.Regs) {
	current := currentProcess()
	if current != nil {
		if f.CS == kernelCodeSelector {
			return
		}
		percpu.Current().Process = nil
		checkpoint(current, f, r)
	}

	if p := findReadyUserProcess(); p != nil {
		install(p, f, r)
	}
	// Otherwise leave the frame untouched: the same process returns.
}

// onTick is the APIC timer callback: wake, reap, schedule, in that
// order, exactly per spec §4.8.
func onTick(f *irq.Frame, r *irq.Regs) {
	ticksMs += uint64(1000 / kconfig.TimerHz)
	if ticksMs == 0 {
		ticksMs = 1
	}
	kprofile.Default.Sample(f.RIP)
	wakeSleepingProcesses(ticksMs)
	reapDeadProcesses()
	schedule(f, r)
}

// contextSwitch saves the callee-saved registers and return address of
// the calling context onto the current stack, records the resulting
// RSP at *oldRspSlot, then switches RSP to newRsp and returns into
// whatever ContextFrame is sitting there. Implemented in sched_amd64.s.
func contextSwitch(oldRspSlot *uintptr, newRsp uintptr)

// stiHlt enables interrupts and halts the CPU until the next one
// arrives. Implemented in sched_amd64.s.
func stiHlt()

// contextSwitchFn/stiHltFn indirect through the two privileged
// primitives above, the same ring-0-escape seam every other package
// calling raw assembly uses.
var (
	contextSwitchFn = contextSwitch
	stiHltFn        = stiHlt
)

// SetContextSwitchHookForTest replaces contextSwitch with fn, for
// exercising YieldBlocked from a hosted test binary.
func SetContextSwitchHookForTest(fn func(*uintptr, uintptr)) (restore func()) {
	orig := contextSwitchFn
	contextSwitchFn = fn
	return func() { contextSwitchFn = orig }
}

// SetStiHltHookForTest replaces stiHlt with fn.
func SetStiHltHookForTest(fn func()) (restore func()) {
	orig := stiHltFn
	stiHltFn = fn
	return func() { stiHltFn = orig }
}

// switchToReadyKernelProcess installs the first READY process with a
// valid kernel context as current and context-switches into it,
// halting (interrupts enabled) and retrying if none is ready yet. It
// never returns — the process stack it switches away from only resumes
// by being context-switched back into from some other call of this same
// function, per spec §4.8's "two context flavors" cooperative-yield
// design.
func switchToReadyKernelProcess(oldRspSlot *uintptr) {
	for {
		ready := findReadyKernelProcess()
		if ready == nil {
			stiHltFn()
			continue
		}

		pcpu := percpu.Current()
		pcpu.Process = unsafe.Pointer(ready)
		pcpu.KernelRsp = uint64(ready.KernelRsp)
		vm.SwitchPml4(ready.Pml4Phys)
		ready.State = proc.StateRunning

		contextSwitchFn(oldRspSlot, ready.KernelRspSaved)
		return
	}
}

// YieldBlocked is the cooperative yield of spec §4.8: the caller has
// already marked process BLOCKED. It loops until process is READY
// again, switching to any READY process with a valid kernel context in
// the meantime, or halting if none exists.
func YieldBlocked(process *proc.Process) {
	if process == nil {
		klog.Warnf("sched: per_cpu->process is nil, nothing to yield")
		return
	}

	process.State = proc.StateBlocked
	for process.State == proc.StateBlocked {
		if findReadyKernelProcess() == nil {
			stiHltFn()
			continue
		}
		switchToReadyKernelProcess(&process.KernelRspSaved)

		pcpu := percpu.Current()
		pcpu.Process = unsafe.Pointer(process)
		pcpu.KernelRsp = uint64(process.KernelRsp)
		vm.SwitchPml4(process.Pml4Phys)
	}
}

// Halt enables interrupts and halts the CPU until the next one arrives,
// the kernel's idle loop body once no process is runnable at all.
func Halt() {
	stiHltFn()
}

// Exit switches away from process, which the caller has already torn
// down via proc.Terminate (State == StateDead), and never returns to it:
// unlike YieldBlocked, there is no resumption to restore afterward. Used
// by sys_exit, whose caller's kernel stack is about to be freed by the
// scheduler's reap hook.
func Exit(process *proc.Process) {
	var discardedRsp uintptr
	switchToReadyKernelProcess(&discardedRsp)
}

// ResetForTest clears the run list and tick counter between tests.
func ResetForTest() {
	processes = nil
	ticksMs = 0
}
