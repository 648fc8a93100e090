// Package syscall programs the SYSCALL/SYSRET MSRs and owns the entry
// trampoline and dispatch table for the fast system call path. Grounded
// on original_source's arch/x86_64/syscall/syscall.cpp (MSR layout,
// init_msr sequence, the syscall_dispatcher argument mapping — arg4 comes
// from R10, not RCX, because SYSCALL clobbers RCX) with the numeric
// syscall table taken from spec's Linux-compatible numbering
// (read=0, write=1, lseek=8, sleep_ms=35, getpid=39, exit=60).
package syscall

import (
	"kestrel/internal/defs"
	"kestrel/internal/klog"
)

const (
	msrEFER  uint32 = 0xC0000080
	msrSTAR  uint32 = 0xC0000081
	msrLSTAR uint32 = 0xC0000082
	msrSFMASK uint32 = 0xC0000084

	eferSCE uint64 = 1 << 0

	sfmaskIF uint64 = 1 << 9
	sfmaskDF uint64 = 1 << 10
	sfmaskTF uint64 = 1 << 8

	// kernelCS/userCS32 feed the STAR MSR's selector fields: SYSCALL
	// loads CS=kernelCS, SS=kernelCS+8; SYSRET loads CS=userCS32+16,
	// SS=userCS32+8 (the +16 lands on the 64-bit user code selector, per
	// the SYSRET selector convention).
	kernelCS uint16 = 0x08
	userCS32 uint16 = 0x10
)

// Frame is the register snapshot syscallEntry (syscall_amd64.s) pushes
// before calling dispatchTrampoline. Field order is memory layout, not
// documentation order: RAX ends up at offset 0 because syscallEntry
// pushes it last (see the comment in syscall_amd64.s).
type Frame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

// Handler services one syscall number. a1..a6 are the raw argument
// registers (RDI, RSI, RDX, R10, R8, R9, in that order, per the
// SYSV-minus-RCX convention SYSCALL forces); the return value is written
// back into RAX verbatim, so error returns must already be encoded via
// defs.Err_t.Sysret.
type Handler func(a1, a2, a3, a4, a5, a6 uint64) uint64

const numSyscalls = 64

var table [numSyscalls]Handler

// Register installs handler for syscall number num. Out-of-range numbers
// are ignored; Dispatch reports ENOSYS for them the same as an
// unregistered in-range number.
func Register(num int, handler Handler) {
	if num < 0 || num >= numSyscalls {
		return
	}
	table[num] = handler
}

// MarkKernelContextHook, if set, is called on every dispatch before the
// handler runs, so the scheduler can mark the calling process as having a
// valid kernel context (spec §4.6: "On entry the dispatcher marks the
// current process as having a kernel context", consumed by §4.8's
// cooperative yield). Left as a settable hook rather than a direct
// sched.CurrentProcess call so this package stays free of the
// sched/proc/vmm dependency chain, the same inversion irq.CrashDumpHook
// and kbd.SetWakeHook use elsewhere; wired by cmd/kestrel at boot.
var MarkKernelContextHook func()

// Dispatch routes one SYSCALL trap to its registered handler. Unknown or
// unregistered syscall numbers return ENOSYS, matching original_source's
// syscall_dispatcher default case.
func Dispatch(num int, a1, a2, a3, a4, a5, a6 uint64) uint64 {
	if MarkKernelContextHook != nil {
		MarkKernelContextHook()
	}
	if num < 0 || num >= numSyscalls || table[num] == nil {
		return uint64(defs.ENOSYS.Sysret())
	}
	return table[num](a1, a2, a3, a4, a5, a6)
}

// dispatchTrampoline is syscallEntry's one Go callee: it unpacks the
// pushed Frame into Dispatch's argument convention and writes the result
// back into f.RAX, where syscallEntry will pop it into the real RAX
// before SYSRETQ.
func dispatchTrampoline(f *Frame) {
	f.RAX = Dispatch(int(f.RAX), f.RDI, f.RSI, f.RDX, f.R10, f.R8, f.R9)
}

// syscallEntry is the SYSCALL target installed into MSR_LSTAR by Init.
// Implemented in syscall_amd64.s.
func syscallEntry()

// syscallEntryAddr returns syscallEntry's address as a plain integer, for
// programming into MSR_LSTAR. Implemented in syscall_amd64.s.
func syscallEntryAddr() uint64

// rdmsr/wrmsr are thin wrappers around the RDMSR/WRMSR instructions,
// following gopher-os's cpu package idiom of one bodyless Go function per
// privileged instruction. Implemented in msr_amd64.s.
func rdmsr(msr uint32) uint64
func wrmsr(msr uint32, value uint64)

// rdmsrFn/wrmsrFn indirect through the raw primitives so Init can be
// exercised from a hosted test, which cannot execute RDMSR/WRMSR.
var (
	rdmsrFn = rdmsr
	wrmsrFn = wrmsr
)

// SetMSRHookForTest replaces the MSR read/write primitives, returning a
// restore func.
func SetMSRHookForTest(read func(uint32) uint64, write func(uint32, uint64)) (restore func()) {
	prevRead, prevWrite := rdmsrFn, wrmsrFn
	rdmsrFn, wrmsrFn = read, write
	return func() { rdmsrFn, wrmsrFn = prevRead, prevWrite }
}

// Init programs the SYSCALL/SYSRET MSRs so that a userspace SYSCALL
// instruction traps into syscallEntry. It must run once per CPU, after
// internal/cpu/percpu.Activate has installed that CPU's per-CPU block
// (syscallEntry locates it via IA32_GS_BASE directly, independent of
// Activate's own bookkeeping, but both must agree on which block is
// current).
func Init() {
	star := uint64(userCS32)<<48 | uint64(kernelCS)<<32
	sfmask := sfmaskDF | sfmaskIF | sfmaskTF

	wrmsrFn(msrSTAR, star)
	lstar := syscallEntryAddr()
	wrmsrFn(msrLSTAR, lstar)
	wrmsrFn(msrSFMASK, sfmask)
	wrmsrFn(msrEFER, rdmsrFn(msrEFER)|eferSCE)

	klog.Infof("syscall: STAR=%#x LSTAR=%#x SFMASK=%#x", star, lstar, sfmask)
}
