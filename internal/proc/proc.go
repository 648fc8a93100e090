// Package proc implements process creation and termination from an
// ELF64 image: building a fresh address space, mapping and populating
// PT_LOAD segments, allocating the user stack and kernel stack, and
// seeding both the user register image and the cooperative-yield
// ContextFrame a freshly created process resumes into. Grounded on
// original_source's lib/process/process.cpp load_elf/create_process/
// terminate_process, adapted to kestrel's vmm (internal/mem/vmm) and
// kheap (internal/mem/kheap) APIs.
//
// Unlike load_elf, which temporarily switches CR3 to reach the new
// process's segments through its own user virtual addresses, every
// write here goes through vmm's HHDM-backed physical-to-virtual
// translation instead (vm.VirtToPhys + vm.PhysToVirt), so no CR3 switch
// is needed while building the address space — the running kernel's own
// page tables are never disturbed.
package proc

import (
	"unsafe"

	"kestrel/internal/elf"
	"kestrel/internal/kerr"
	"kestrel/internal/klog"
	"kestrel/internal/mem/kheap"
	"kestrel/internal/mem/vmm"
)

const (
	userStackBase = 0x00800000
	userStackSize = 16 * 1024
	userStackTop  = userStackBase + userStackSize

	kernelStackSize = 16 * 1024

	pageSize = 4096

	// Selectors as SYSRETQ derives them from STAR in internal/cpu/syscall
	// (STAR[63:48]=0x10 -> CS=0x20, SS=0x18), with RPL=3 for user mode.
	userCodeSelector = 0x20 | 3
	userDataSelector = 0x18 | 3

	// initialRFLAGS has IF (bit 9) set and the always-1 reserved bit 1.
	initialRFLAGS = 0x202
)

// State is a process's position in the lifecycle FSM of spec §4.7.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateDead:
		return "dead"
	default:
		return "?"
	}
}

// WaitReason records why a BLOCKED process is waiting, so its waker
// knows what woke it.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitSleep
	WaitRead
)

// UserRegs is the saved register image for a process's user-mode
// context: every GPR plus the interrupt-frame fields (RIP, RSP, RFLAGS,
// CS, SS), valid when HasUserContext is true.
type UserRegs struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RIP, RSP, RFLAGS, CS, SS             uint64
}

// ContextFrame is the cooperative-yield save area: the callee-saved
// registers plus a return address, laid out the way
// internal/sched's context_switch assembly pushes/pops them. Grounded
// on original_source's arch::context::ContextFrame; R15/R14 are
// repurposed here to carry the user RIP/RSP a freshly created process
// resumes at, the same double-duty the original frame plays.
type ContextFrame struct {
	R15, R14, R13, R12, RBP, RBX uint64
	RIP                          uint64
}

// Allocation records one (virt, pages) range MapMemAt mapped for a
// process, so Terminate knows what to give back.
type Allocation struct {
	VirtAddr uintptr
	NumPages int
}

// FileDescriptor is the minimal contract Terminate needs from an open
// file: internal/fs/vfs's Fd_t implements it once the VFS exists.
type FileDescriptor interface {
	Close() error
}

// Process is one schedulable unit: its address space, saved contexts,
// and the bookkeeping needed to tear it down. Field set matches spec
// §3's Process entity.
type Process struct {
	Pid        uint64
	State      State
	WaitReason WaitReason
	ExitStatus int

	Regs UserRegs

	Pml4     *vmm.Pml4
	Pml4Phys uint64

	FDTable []FileDescriptor

	KernelStack    []byte
	KernelRsp      uintptr // top of KernelStack, loaded into percpu.Data on schedule-in
	KernelRspSaved uintptr

	HeapBreak  uint64
	WakeTimeMs uint64

	HasKernelContext bool
	HasUserContext   bool

	Allocations []Allocation
}

var nextPid uint64 = 1

// copySegment maps ph.Memsz bytes at ph.Vaddr in pml4 (USER|WRITE),
// copies ph.Filesz bytes from image at ph.Offset, and relies on
// MapMemAt's zero-on-map behavior for the rest, per spec §4.7 step 4.
func copySegment(vm *vmm.Manager, pml4 *vmm.Pml4, image []byte, ph elf.ProgramHeader, allocs *[]Allocation) {
	pages := vm.MapMemAt(pml4, uintptr(ph.Vaddr), int(ph.Memsz), vmm.FlagPresent|vmm.FlagUser|vmm.FlagWrite)
	*allocs = append(*allocs, Allocation{VirtAddr: uintptr(ph.Vaddr), NumPages: pages})

	for i := 0; i < pages; i++ {
		pageBase := uint64(i * pageSize)
		if pageBase >= ph.Filesz {
			break // MapMemAt already zeroed this and every later page
		}
		n := ph.Filesz - pageBase
		if n > pageSize {
			n = pageSize
		}

		v := uintptr(ph.Vaddr) + uintptr(pageBase)
		phys, ok := vm.VirtToPhys(pml4, v)
		if !ok {
			klog.Panicf("proc: segment page vanished immediately after MapMemAt")
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(vm.PhysToVirt(phys))), pageSize)
		src := image[ph.Offset+pageBase : ph.Offset+pageBase+n]
		copy(dst[:n], src)
	}
}

// New validates image as an ELF64 executable and builds a complete,
// schedulable process from it: a fresh address space with every
// PT_LOAD segment mapped and populated, a mapped user stack, an
// allocated kernel stack, and both the user register image and the
// ContextFrame a cooperative resume needs, per spec §4.7 steps 1-8.
func New(vm *vmm.Manager, heap *kheap.Heap, image []byte) (*Process, error) {
	file, err := elf.Parse(image)
	if err != nil {
		return nil, err
	}

	pml4, pml4Phys := vm.CreateUserPml4()

	p := &Process{
		Pid:              nextPid,
		State:            StateReady,
		WaitReason:       WaitNone,
		Pml4:             pml4,
		Pml4Phys:         pml4Phys,
		HasKernelContext: true,
		HasUserContext:   true,
	}
	nextPid++

	for _, ph := range file.Segments {
		copySegment(vm, pml4, image, ph, &p.Allocations)

		segEnd := ph.Vaddr + ph.Memsz
		rounded := (segEnd + pageSize - 1) &^ (pageSize - 1)
		if rounded > p.HeapBreak {
			p.HeapBreak = rounded
		}
	}

	stackPages := vm.MapMemAt(pml4, userStackBase, userStackSize, vmm.FlagPresent|vmm.FlagUser|vmm.FlagWrite)
	p.Allocations = append(p.Allocations, Allocation{VirtAddr: userStackBase, NumPages: stackPages})

	p.Regs = UserRegs{
		RIP:    file.Entry,
		RSP:    userStackTop,
		RFLAGS: initialRFLAGS,
		CS:     userCodeSelector,
		SS:     userDataSelector,
	}

	kstack := heap.Kmalloc(kernelStackSize)
	if kstack == nil {
		return nil, kerr.New("proc", "failed to allocate kernel stack")
	}
	p.KernelStack = unsafe.Slice((*byte)(kstack), kernelStackSize)
	p.KernelRsp = uintptr(kstack) + kernelStackSize

	frameAddr := uintptr(kstack) + kernelStackSize - unsafe.Sizeof(ContextFrame{})
	frame := (*ContextFrame)(unsafe.Pointer(frameAddr))
	*frame = ContextFrame{
		R15: file.Entry,   // user RIP, consumed by userspaceEntryTrampoline
		R14: userStackTop, // user RSP, consumed by userspaceEntryTrampoline
		RIP: userspaceEntryTrampolineAddr(),
	}
	p.KernelRspSaved = frameAddr

	return p, nil
}

// Terminate closes every open descriptor, unmaps and frees every
// recorded allocation, releases the process's page-table pages and
// kernel stack, per spec §4.7's termination sequence. The Process value
// itself is left for the caller (internal/sched's reaper) to drop.
func Terminate(vm *vmm.Manager, heap *kheap.Heap, p *Process) {
	for _, fd := range p.FDTable {
		fd.Close()
	}
	p.FDTable = nil

	for _, a := range p.Allocations {
		vm.UnmapMemAt(p.Pml4, a.VirtAddr, a.NumPages)
	}
	p.Allocations = nil

	freePageTables(vm, p.Pml4)

	heap.Kfree(unsafe.Pointer(&p.KernelStack[0]))
	p.KernelStack = nil
	p.State = StateDead
}

// freePageTables walks and frees every page-table page in the user half
// of pml4 (indices below the HHDM split), then the PML4 page itself.
// The kernel half's tables are shared across every process and are
// never freed here.
func freePageTables(vm *vmm.Manager, pml4 *vmm.Pml4) {
	const hhdmIndex = 256
	for i := 0; i < hhdmIndex; i++ {
		e := pml4[i]
		if e&vmm.PteP == 0 {
			continue
		}
		freeTableLevel(vm, e, 2)
	}
	phys := vm.HhdmVirtToPhys(uintptr(unsafe.Pointer(pml4)))
	vm.FreeFrame(phys)
}

// freeTableLevel recursively frees an interior page-table page and
// everything beneath it; depth counts remaining levels below this one
// (2 = PDPT, 1 = PD, 0 = PT, whose entries are leaves and not recursed
// into).
func freeTableLevel(vm *vmm.Manager, entry vmm.Pte, depth int) {
	phys := entry.Addr()
	if depth > 0 {
		table := (*[512]vmm.Pte)(unsafe.Pointer(vm.PhysToVirt(phys)))
		for _, e := range table {
			if e&vmm.PteP != 0 {
				freeTableLevel(vm, e, depth-1)
			}
		}
	}
	vm.FreeFrame(phys)
}

// userspaceEntryTrampoline is the ContextFrame.RIP a newly created
// process's first cooperative resume RETs into: it consumes R15/R14
// (left by context_switch's restore as the user RIP/RSP) and IRETQs
// into ring 3. Defined in proc_amd64.s.
func userspaceEntryTrampoline()

// userspaceEntryTrampolineAddr returns userspaceEntryTrampoline's entry
// address, the same same-package-LEAQ idiom internal/cpu/syscall uses
// for syscallEntryAddr.
func userspaceEntryTrampolineAddr() uint64
