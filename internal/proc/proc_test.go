package proc

import (
	"testing"
	"unsafe"

	"kestrel/internal/mem/kheap"
	"kestrel/internal/mem/pfa"
	"kestrel/internal/mem/slab"
	"kestrel/internal/mem/vmm"
)

// testEnv wires a real vmm.Manager and kheap.Heap the same way
// internal/mem/vmm's own tests do: a Go byte slice stands in for
// physical memory, and the HHDM offset points straight at its base.
type testEnv struct {
	vm   *vmm.Manager
	heap *kheap.Heap
}

func newTestEnv(t *testing.T, frames uint64) *testEnv {
	t.Helper()
	t.Cleanup(vmm.SetInvlpgHookForTest(func(uintptr) {}))
	backing := make([]byte, frames*pfa.PageSize)
	base := uintptr(unsafe.Pointer(&backing[0]))

	var alloc pfa.Allocator
	alloc.Init(frames)
	alloc.AddFreeMemory(0, frames*pfa.PageSize)

	var vm vmm.Manager
	kernelPhys := alloc.AllocFrame()
	vm.Init(base, kernelPhys, &alloc)

	var cache slab.Cache
	cache.Init(&vm)

	var heap kheap.Heap
	heap.Init(&cache, &vm)

	return &testEnv{vm: &vm, heap: &heap}
}

func buildTestImage(t *testing.T, entry uint64, vaddr uint64, payload []byte, memsz uint64) []byte {
	t.Helper()
	const ehSize = 64
	const phEntSize = 56
	phoff := uint64(ehSize)
	dataOff := phoff + phEntSize
	buf := make([]byte, dataOff+uint64(len(payload)))

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4], buf[5], buf[6] = 2, 1, 1 // class64, data2LSB, version 1
	putLE16t(buf[16:], 2)            // ET_EXEC
	putLE16t(buf[18:], 0x3E)         // EM_X86_64
	putLE64t(buf[24:], entry)
	putLE64t(buf[32:], phoff)
	putLE16t(buf[54:], phEntSize)
	putLE16t(buf[56:], 1)

	off := int(phoff)
	putLE32t(buf[off:], 1)         // PT_LOAD
	putLE32t(buf[off+4:], 0x7)     // R|W|X, collapsed by loader anyway
	putLE64t(buf[off+8:], dataOff) // p_offset
	putLE64t(buf[off+16:], vaddr)  // p_vaddr
	putLE64t(buf[off+32:], uint64(len(payload))) // p_filesz
	putLE64t(buf[off+40:], memsz)                 // p_memsz

	copy(buf[dataOff:], payload)
	return buf
}

func putLE16t(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32t(b []byte, v uint32) {
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putLE64t(b []byte, v uint64) {
	putLE32t(b, uint32(v))
	putLE32t(b[4:], uint32(v>>32))
}

func TestNewRejectsInvalidELF(t *testing.T) {
	env := newTestEnv(t, 512)
	if _, err := New(env.vm, env.heap, []byte{0x00, 0x01}); err == nil {
		t.Fatal("New() with garbage image should fail")
	}
}

func TestNewMapsAndPopulatesSegment(t *testing.T) {
	env := newTestEnv(t, 512)
	const vaddr = 0x400000
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	image := buildTestImage(t, vaddr, vaddr, payload, 0x2000)

	p, err := New(env.vm, env.heap, image)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	phys, ok := env.vm.VirtToPhys(p.Pml4, vaddr)
	if !ok {
		t.Fatal("expected segment vaddr to be mapped")
	}
	got := (*[4]byte)(unsafe.Pointer(env.vm.PhysToVirt(phys)))
	if *got != [4]byte{0xAA, 0xBB, 0xCC, 0xDD} {
		t.Fatalf("segment bytes = %#v, want %#v", *got, payload)
	}
}

func TestNewZerosBSSTail(t *testing.T) {
	env := newTestEnv(t, 512)
	const vaddr = 0x500000
	payload := []byte{0x01, 0x02}
	image := buildTestImage(t, vaddr, vaddr, payload, 0x1000)

	p, err := New(env.vm, env.heap, image)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	phys, ok := env.vm.VirtToPhys(p.Pml4, vaddr+0x100)
	if !ok {
		t.Fatal("expected bss region within the segment to be mapped")
	}
	b := *(*byte)(unsafe.Pointer(env.vm.PhysToVirt(phys)))
	if b != 0 {
		t.Fatalf("bss byte = %#x, want 0", b)
	}
}

func TestNewMapsUserStack(t *testing.T) {
	env := newTestEnv(t, 512)
	image := buildTestImage(t, 0x400000, 0x400000, []byte{0x90}, 0x1000)

	p, err := New(env.vm, env.heap, image)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, ok := env.vm.VirtToPhys(p.Pml4, userStackBase); !ok {
		t.Fatal("expected user stack to be mapped")
	}
}

func TestNewSeedsRegisterImageAndContextFrame(t *testing.T) {
	env := newTestEnv(t, 512)
	const entry = 0x400000
	image := buildTestImage(t, entry, entry, []byte{0x90}, 0x1000)

	p, err := New(env.vm, env.heap, image)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Regs.RIP != entry {
		t.Fatalf("Regs.RIP = %#x, want %#x", p.Regs.RIP, entry)
	}
	if p.Regs.RSP != userStackTop {
		t.Fatalf("Regs.RSP = %#x, want %#x", p.Regs.RSP, uint64(userStackTop))
	}
	if p.Regs.CS != userCodeSelector || p.Regs.SS != userDataSelector {
		t.Fatalf("Regs.CS/SS = %#x/%#x", p.Regs.CS, p.Regs.SS)
	}
	if p.State != StateReady {
		t.Fatalf("State = %v, want StateReady", p.State)
	}

	frame := (*ContextFrame)(unsafe.Pointer(p.KernelRspSaved))
	if frame.R15 != entry {
		t.Fatalf("ContextFrame.R15 = %#x, want entry %#x", frame.R15, entry)
	}
	if frame.R14 != userStackTop {
		t.Fatalf("ContextFrame.R14 = %#x, want %#x", frame.R14, uint64(userStackTop))
	}
}

func TestTerminateReleasesEverything(t *testing.T) {
	env := newTestEnv(t, 512)
	const vaddr = 0x400000
	image := buildTestImage(t, vaddr, vaddr, []byte{0x90, 0x90}, 0x1000)

	p, err := New(env.vm, env.heap, image)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	closed := false
	p.FDTable = append(p.FDTable, closerFunc(func() error { closed = true; return nil }))

	Terminate(env.vm, env.heap, p)

	if !closed {
		t.Fatal("expected every fd to be closed")
	}
	if p.State != StateDead {
		t.Fatalf("State = %v, want StateDead", p.State)
	}
	if _, ok := env.vm.VirtToPhys(p.Pml4, vaddr); ok {
		t.Fatal("expected segment mapping to be gone after Terminate")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
