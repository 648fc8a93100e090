// Package syscalls implements the six handlers of the SYSCALL ABI
// (spec §4.6/§6: read, write, lseek, sleep_ms, getpid, exit) and
// registers them with internal/cpu/syscall's dispatch table. Grounded on
// original_source's lib/syscall/{sys_read,sys_write,sys_lseek,
// sys_sleep_ms,sys_getpid,sys_exit}.cpp: same per-fd table lookup, same
// negative-errno convention, same sys_exit teardown call into
// process::terminate_process.
package syscalls

import (
	"unsafe"

	"kestrel/internal/cpu/syscall"
	"kestrel/internal/defs"
	"kestrel/internal/fs/vfs"
	"kestrel/internal/mem/kheap"
	"kestrel/internal/mem/vmm"
	"kestrel/internal/proc"
	"kestrel/internal/sched"
)

// Syscall numbers: the Linux x86-64 numbers of the corresponding calls.
const (
	numRead    = 0
	numWrite   = 1
	numLseek   = 8
	numSleepMs = 35
	numGetpid  = 39
	numExit    = 60
)

var (
	vm   *vmm.Manager
	heap *kheap.Heap
)

// Register wires every syscall handler into internal/cpu/syscall's
// dispatch table. Called once at boot, after internal/sched.Init and
// internal/fs/vfs.Mount have set up the run list and mount table these
// handlers read from.
func Register(m *vmm.Manager, h *kheap.Heap) {
	vm, heap = m, h
	syscall.Register(numRead, sysRead)
	syscall.Register(numWrite, sysWrite)
	syscall.Register(numLseek, sysLseek)
	syscall.Register(numSleepMs, sysSleepMs)
	syscall.Register(numGetpid, sysGetpid)
	syscall.Register(numExit, sysExit)
}

// userBuf overlays a user-virtual-address/length pair as a Go byte
// slice. The caller is trusted (no copy_from_user validation is
// performed), matching spec §9's acknowledged absence of user-pointer
// validation in this revision.
func userBuf(addr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), int(length))
}

func fdFor(p *proc.Process, fdNum uint64) (*vfs.Fd_t, defs.Err_t) {
	if p == nil || int(fdNum) < 0 || int(fdNum) >= len(p.FDTable) {
		return nil, defs.EBADF
	}
	fd, ok := p.FDTable[int(fdNum)].(*vfs.Fd_t)
	if !ok || fd == nil {
		return nil, defs.EBADF
	}
	return fd, 0
}

func sysRead(fdNum, addr, length, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	fd, errno := fdFor(p, fdNum)
	if errno != 0 {
		return uint64(errno.Sysret())
	}
	n, err := fd.Read(userBuf(addr, length))
	if err != nil {
		return uint64(defs.EINVAL.Sysret())
	}
	return uint64(n)
}

func sysWrite(fdNum, addr, length, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	fd, errno := fdFor(p, fdNum)
	if errno != 0 {
		return uint64(errno.Sysret())
	}
	n, err := fd.Write(userBuf(addr, length))
	if err != nil {
		return uint64(defs.EINVAL.Sysret())
	}
	return uint64(n)
}

func sysLseek(fdNum, offset, whence, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	fd, errno := fdFor(p, fdNum)
	if errno != 0 {
		return uint64(errno.Sysret())
	}
	pos, err := fd.Lseek(int64(offset), int(whence))
	if err != nil {
		return uint64(defs.ESPIPE.Sysret())
	}
	return uint64(pos)
}

// sysSleepMs sets wake_time_ms and cooperatively yields, per spec §5's
// cancellation-and-timeouts paragraph.
func sysSleepMs(ms, _, _, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	if p == nil {
		return uint64(defs.EINVAL.Sysret())
	}
	p.WakeTimeMs = sched.Ticks() + ms
	p.WaitReason = proc.WaitSleep
	p.State = proc.StateBlocked
	sched.YieldBlocked(p)
	return 0
}

func sysGetpid(_, _, _, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	if p == nil {
		return uint64(defs.EINVAL.Sysret())
	}
	return p.Pid
}

// sysExit tears the process down via proc.Terminate (which closes every
// open descriptor) and switches away to the next ready process — this
// syscall never returns to its caller.
func sysExit(status, _, _, _, _, _ uint64) uint64 {
	p := sched.CurrentProcess()
	if p == nil {
		return 0
	}
	p.ExitStatus = int(status)
	proc.Terminate(vm, heap, p)
	sched.Exit(p)
	return 0
}
