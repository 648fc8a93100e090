// Package percpu models the per-CPU data block addressed via the GS
// segment base, per spec §4.6/§9. Grounded on biscuit's tinfo.Current
// idiom (runtime.Gptr/Setgptr: a single compiler-fenced read of a
// thread-local pointer, after which all field access is ordinary
// indirect load) generalised from a per-goroutine slot to the
// GS-base-addressed per-CPU slot spec §9 calls out as the Go-idiomatic
// shape for "a single `unsafe` primitive returning a typed reference".
package percpu

import "unsafe"

// Data is the per-CPU block. Field order and offsets are contract: the
// SYSCALL entry stub (internal/cpu/syscall) hardcodes them, so this
// struct must never be reordered without updating the assembly that
// reads it.
type Data struct {
	Self      *Data      // offset 0: read once via %gs:0, then ordinary loads
	KernelRsp uint64     // offset 8: kernel stack top, loaded on SYSCALL entry
	UserRsp   uint64     // offset 16: user RSP, stashed on SYSCALL entry
	Process   unsafe.Pointer // offset 24: *proc.Process_t of the running process
}

// New allocates a per-CPU block and sets its self-pointer.
func New() *Data {
	d := &Data{}
	d.Self = d
	return d
}

// gsBase reads the GS segment base MSR, returning the address installed
// by Activate. Implemented in percpu_amd64.s.
func gsBase() uintptr

// setGSBase writes the GS_BASE MSR. Implemented in percpu_amd64.s.
func setGSBase(addr uintptr)

// gsBaseFn and setGSBaseFn indirect through the raw MSR primitives above,
// the same swap-for-test seam internal/mem/vmm uses for INVLPG: a hosted
// test binary runs at ring 3 and would fault on a bare RDMSR/WRMSR.
var (
	gsBaseFn    = gsBase
	setGSBaseFn = setGSBase
)

// SetGSBaseHookForTest replaces the GS-base read/write primitives with fn
// and restore, for use by tests running outside ring 0. It returns a
// restore func that puts the real MSR primitives back.
func SetGSBaseHookForTest(read func() uintptr, write func(uintptr)) (restore func()) {
	prevRead, prevWrite := gsBaseFn, setGSBaseFn
	gsBaseFn, setGSBaseFn = read, write
	return func() {
		gsBaseFn, setGSBaseFn = prevRead, prevWrite
	}
}

// Activate installs d's address as the active GS base, so that
// assembly stubs (and Current, below) can reach it via `%gs:0`.
func Activate(d *Data) {
	setGSBaseFn(uintptr(unsafe.Pointer(d)))
}

// Current performs the one fenced read of %gs:0 and returns a typed
// pointer to the per-CPU block; every field access after that point is
// an ordinary Go pointer dereference.
func Current() *Data {
	return (*Data)(unsafe.Pointer(gsBaseFn()))
}
