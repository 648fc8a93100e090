package percpu

import (
	"testing"
	"unsafe"
)

// newFakeGSBase installs a stand-in for the GS_BASE MSR: a single word of storage that
// Activate/Current read and write through the test hook instead of RDMSR
// and WRMSR.
func newFakeGSBase(t *testing.T) func() uintptr {
	t.Helper()
	var stored uintptr
	restore := SetGSBaseHookForTest(
		func() uintptr { return stored },
		func(addr uintptr) { stored = addr },
	)
	t.Cleanup(restore)
	return func() uintptr { return stored }
}

func TestNewSetsSelfPointer(t *testing.T) {
	d := New()
	if d.Self != d {
		t.Fatalf("Self = %p, want %p", d.Self, d)
	}
}

func TestActivateThenCurrentRoundTrip(t *testing.T) {
	newFakeGSBase(t)
	d := New()
	Activate(d)
	got := Current()
	if got != d {
		t.Fatalf("Current() = %p, want %p", got, d)
	}
	if got.Self != d {
		t.Fatalf("Current().Self = %p, want %p", got.Self, d)
	}
}

func TestFieldOffsetsMatchSyscallEntryContract(t *testing.T) {
	var d Data
	base := uintptr(unsafe.Pointer(&d))
	checks := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"Self", unsafe.Offsetof(d.Self), 0},
		{"KernelRsp", unsafe.Offsetof(d.KernelRsp), 8},
		{"UserRsp", unsafe.Offsetof(d.UserRsp), 16},
		{"Process", unsafe.Offsetof(d.Process), 24},
	}
	for _, c := range checks {
		if c.offset != c.want {
			t.Errorf("offset of %s = %d, want %d", c.name, c.offset, c.want)
		}
	}
	_ = base
}

func TestActivateSwitchingBlocksUpdatesCurrent(t *testing.T) {
	newFakeGSBase(t)
	d0 := New()
	d1 := New()
	Activate(d0)
	if Current() != d0 {
		t.Fatal("expected d0 active")
	}
	Activate(d1)
	if Current() != d1 {
		t.Fatal("expected d1 active after second Activate")
	}
}
