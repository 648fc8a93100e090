package syscall

import (
	"testing"

	"kestrel/internal/defs"
)

func resetTable() {
	table = [numSyscalls]Handler{}
}

func TestRegisterAndDispatch(t *testing.T) {
	resetTable()
	Register(1, func(a1, a2, a3, a4, a5, a6 uint64) uint64 { return a1 + a2 })
	got := Dispatch(1, 3, 4, 0, 0, 0, 0)
	if got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestDispatchUnregisteredReturnsENOSYS(t *testing.T) {
	resetTable()
	got := Dispatch(2, 0, 0, 0, 0, 0, 0)
	if int64(got) != defs.ENOSYS.Sysret() {
		t.Fatalf("got %d, want ENOSYS", int64(got))
	}
}

func TestDispatchOutOfRangeReturnsENOSYS(t *testing.T) {
	resetTable()
	got := Dispatch(numSyscalls+10, 0, 0, 0, 0, 0, 0)
	if int64(got) != defs.ENOSYS.Sysret() {
		t.Fatalf("got %d, want ENOSYS", int64(got))
	}
}

func TestRegisterOutOfRangeIsIgnored(t *testing.T) {
	resetTable()
	Register(-1, func(a1, a2, a3, a4, a5, a6 uint64) uint64 { return 1 })
	Register(numSyscalls, func(a1, a2, a3, a4, a5, a6 uint64) uint64 { return 1 })
	// Neither call should have touched table; dispatch of a nonsense
	// negative/overflowing number still reports ENOSYS rather than
	// panicking on an out-of-bounds index.
	if int64(Dispatch(-1, 0, 0, 0, 0, 0, 0)) != defs.ENOSYS.Sysret() {
		t.Fatal("expected ENOSYS for negative syscall number")
	}
}

func TestDispatchTrampolineMapsFrameFieldsToArgs(t *testing.T) {
	resetTable()
	var gotArgs [6]uint64
	Register(5, func(a1, a2, a3, a4, a5, a6 uint64) uint64 {
		gotArgs = [6]uint64{a1, a2, a3, a4, a5, a6}
		return 0x99
	})
	f := &Frame{RAX: 5, RDI: 1, RSI: 2, RDX: 3, R10: 4, R8: 5, R9: 6}
	dispatchTrampoline(f)
	want := [6]uint64{1, 2, 3, 4, 5, 6}
	if gotArgs != want {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	if f.RAX != 0x99 {
		t.Fatalf("f.RAX = %#x, want 0x99", f.RAX)
	}
}

func TestInitProgramsExpectedMSRs(t *testing.T) {
	resetTable()
	writes := map[uint32]uint64{}
	restore := SetMSRHookForTest(
		func(msr uint32) uint64 {
			if msr == msrEFER {
				return 0
			}
			return 0
		},
		func(msr uint32, val uint64) { writes[msr] = val },
	)
	defer restore()

	Init()

	wantStar := uint64(userCS32)<<48 | uint64(kernelCS)<<32
	if writes[msrSTAR] != wantStar {
		t.Fatalf("STAR = %#x, want %#x", writes[msrSTAR], wantStar)
	}
	if writes[msrEFER]&eferSCE == 0 {
		t.Fatal("EFER.SCE was not set")
	}
	if _, ok := writes[msrLSTAR]; !ok {
		t.Fatal("LSTAR was never written")
	}
	if writes[msrSFMASK]&sfmaskIF == 0 {
		t.Fatal("SFMASK did not mask IF")
	}
}

func TestDispatchCallsMarkKernelContextHookOnEveryEntry(t *testing.T) {
	resetTable()
	Register(1, func(a1, a2, a3, a4, a5, a6 uint64) uint64 { return 0 })

	prev := MarkKernelContextHook
	defer func() { MarkKernelContextHook = prev }()

	calls := 0
	MarkKernelContextHook = func() { calls++ }

	Dispatch(1, 0, 0, 0, 0, 0, 0)
	if calls != 1 {
		t.Fatalf("hook called %d times for a known syscall, want 1", calls)
	}

	Dispatch(999, 0, 0, 0, 0, 0, 0)
	if calls != 2 {
		t.Fatalf("hook called %d times after an ENOSYS dispatch, want 2 (hook must fire on entry regardless of lookup result)", calls)
	}
}

func TestDispatchToleratesNilMarkKernelContextHook(t *testing.T) {
	resetTable()
	prev := MarkKernelContextHook
	MarkKernelContextHook = nil
	defer func() { MarkKernelContextHook = prev }()

	if got := Dispatch(0, 0, 0, 0, 0, 0, 0); int64(got) != defs.ENOSYS.Sysret() {
		t.Fatalf("got %d, want ENOSYS", int64(got))
	}
}
