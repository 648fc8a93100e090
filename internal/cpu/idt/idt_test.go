package idt

import (
	"testing"

	"kestrel/internal/cpu/irq"
)

func TestSetGateEncodesAddressAcrossThreeFields(t *testing.T) {
	const addr = uintptr(0x1122_3344_5566_7788)
	setGate(5, addr, 0, attrKernelInterruptGate)
	e := table[5]
	got := uint64(e.offsetLow) | uint64(e.offsetMid)<<16 | uint64(e.offsetHigh)<<32
	if got != uint64(addr) {
		t.Fatalf("decoded address = %#x, want %#x", got, addr)
	}
	if e.selector != kernelCodeSelector {
		t.Fatalf("selector = %#x, want %#x", e.selector, kernelCodeSelector)
	}
	if e.attributes != attrKernelInterruptGate {
		t.Fatalf("attributes = %#x, want %#x", e.attributes, attrKernelInterruptGate)
	}
}

func TestInitInstallsUserGateOnlyOnSyscallVector(t *testing.T) {
	for i := range isrStubTable {
		isrStubTable[i] = uintptr(0x1000 + i)
	}
	var loadedBase uintptr
	var loadedLimit uint16
	restore := SetLoadHookForTest(func(base uintptr, limit uint16) {
		loadedBase, loadedLimit = base, limit
	})
	defer restore()

	Init()

	for v := range table {
		want := attrKernelInterruptGate
		if v == int(irq.VectorSyscall) {
			want = attrUserInterruptGate
		}
		if table[v].attributes != want {
			t.Fatalf("vector %d attributes = %#x, want %#x", v, table[v].attributes, want)
		}
	}
	if loadedBase == 0 {
		t.Fatal("Init did not call the LIDT primitive")
	}
	wantLimit := uint16(numVectors*16 - 1)
	if loadedLimit != wantLimit {
		t.Fatalf("loadedLimit = %d, want %d", loadedLimit, wantLimit)
	}
}

func TestDispatchTrampolineForwardsToIrqDispatch(t *testing.T) {
	irq.ResetForTest()
	defer irq.ResetForTest()
	var got uint64
	irq.RegisterIRQ(50, func(f *irq.Frame, r *irq.Regs) { got = f.RIP })
	f := irq.Frame{RIP: 0x42}
	dispatchTrampoline(50, 0, &f, &irq.Regs{})
	if got != 0x42 {
		t.Fatalf("got %#x, want 0x42", got)
	}
}
