package acpi

import (
	"testing"
	"unsafe"

	"kestrel/internal/mem/pfa"
	"kestrel/internal/mem/vmm"
)

func newTestVMM(t *testing.T, frames uint64) *vmm.Manager {
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
	return &vm
}

func putChecksummedHeader(virt uintptr, sig string, length uint32) *Header {
	h := (*Header)(unsafe.Pointer(virt))
	copy(h.Signature[:], sig)
	h.Length = length
	h.Revision = 2
	h.Checksum = 0
	sum := checksum(unsafe.Pointer(h), length)
	h.Checksum = uint8(-int32(sum))
	return h
}

func TestInitParsesMADTFromSyntheticTables(t *testing.T) {
	ResetForTest()
	vm := newTestVMM(t, 16)

	const (
		rsdpPhys = 0x1000
		xsdtPhys = 0x2000
		madtPhys = 0x3000
	)

	xsdp := (*XSDP)(unsafe.Pointer(vm.MapHhdmPage(rsdpPhys, vmm.FlagWrite)))
	copy(xsdp.Signature[:], "RSD PTR ")
	xsdp.Revision = 2
	xsdp.XSDTAddr = xsdtPhys
	xsdp.Length = uint32(unsafe.Sizeof(XSDP{}))
	xsdp.Checksum = 0
	xsdp.Checksum = uint8(-int32(checksum(unsafe.Pointer(xsdp), 20)))
	// Recompute the extended checksum after fixing the legacy one.
	xsdp.ExtendedChecksum = 0
	sum := checksum(unsafe.Pointer(xsdp), xsdp.Length)
	xsdp.ExtendedChecksum = uint8(-int32(sum))

	xsdtVirt := vm.MapHhdmPage(xsdtPhys, vmm.FlagWrite)
	entryArray := (*[1]uint64)(unsafe.Pointer(xsdtVirt + unsafe.Sizeof(Header{})))
	entryArray[0] = madtPhys
	xsdtLen := uint32(unsafe.Sizeof(Header{})) + 8
	putChecksummedHeader(xsdtVirt, "XSDT", xsdtLen)

	madtVirt := vm.MapHhdmPage(madtPhys, vmm.FlagWrite)
	madtLen := uint32(unsafe.Sizeof(madtHeader{})) + 8 // header + one LocalAPIC record
	m := (*madtHeader)(unsafe.Pointer(madtVirt))
	m.LapicAddr = 0xfee00000

	rec := (*recordHeader)(unsafe.Pointer(madtVirt + unsafe.Sizeof(madtHeader{})))
	rec.Type = recLocalAPIC
	rec.Length = 8
	lapic := (*LocalAPIC)(unsafe.Pointer(madtVirt + unsafe.Sizeof(madtHeader{}) + 2))
	lapic.ACPIProcessorID = 0
	lapic.APICID = 1
	lapic.Flags = 1

	putChecksummedHeader(madtVirt, sigMADT, madtLen)

	Init(vm, rsdpPhys)

	if LapicAddr != 0xfee00000 {
		t.Fatalf("LapicAddr = %#x, want 0xfee00000", LapicAddr)
	}
	if len(LocalAPICs) != 1 || LocalAPICs[0].APICID != 1 {
		t.Fatalf("LocalAPICs = %+v, want one entry with APICID=1", LocalAPICs)
	}
}

func TestGSIForIRQWithoutOverrideIsIdentity(t *testing.T) {
	ResetForTest()
	if got := GSIForIRQ(5); got != 5 {
		t.Fatalf("GSIForIRQ(5) = %d, want 5", got)
	}
}

func TestGSIForIRQHonorsOverride(t *testing.T) {
	ResetForTest()
	Overrides = append(Overrides, InterruptSourceOverride{Source: 0, GSI: 2})
	if got := GSIForIRQ(0); got != 2 {
		t.Fatalf("GSIForIRQ(0) = %d, want 2", got)
	}
}

func TestIOAPICForGSI(t *testing.T) {
	ResetForTest()
	IOAPICs = append(IOAPICs, IOAPIC{ID: 0, GSIBase: 0}, IOAPIC{ID: 1, GSIBase: 24})
	io := IOAPICForGSI(25)
	if io == nil || io.ID != 1 {
		t.Fatalf("IOAPICForGSI(25) = %+v, want IOAPIC with ID=1", io)
	}
	if IOAPICForGSI(100) != nil {
		t.Fatal("IOAPICForGSI(100) should miss every configured IOAPIC")
	}
}
