// Package acpi walks the firmware-provided ACPI table chain — XSDP to
// XSDT to per-table parsers — far enough to hand internal/apic the Local
// APIC and I/O APIC addresses it needs. Grounded on original_source's
// lib/acpi/{acpi,madt}.cpp: same checksum rule, same XSDP/XSDT/MADT
// struct layout, same table-dispatch-by-signature shape, translated from
// manual pointer casts into Go struct overlays via unsafe.Pointer.
package acpi

import (
	"unsafe"

	"kestrel/internal/klog"
	"kestrel/internal/mem/vmm"
)

// XSDP is the Extended RSDP (ACPI 2.0+); kestrel only targets 64-bit
// firmware so the legacy 1.0 RSDP form is not modeled separately. Field
// order matches the ACPI wire layout; Go's natural alignment happens to
// match it here since every multi-byte field already falls on a 4-byte
// boundary in the packed original.
type XSDP struct {
	Signature          [8]byte
	Checksum           uint8
	OEMID              [6]byte
	Revision           uint8
	RSDTAddr           uint32
	Length             uint32
	XSDTAddr           uint64
	ExtendedChecksum   uint8
	Reserved           [3]byte
}

// Header is the common 36-byte ACPI System Description Table header.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

const sigMADT = "APIC"

// checksum sums length bytes starting at ptr; a valid ACPI structure
// sums to 0 mod 256.
func checksum(ptr unsafe.Pointer, length uint32) uint8 {
	var sum uint8
	base := (*[1 << 30]byte)(ptr)
	for i := uint32(0); i < length; i++ {
		sum += base[i]
	}
	return sum
}

func validateXSDP(x *XSDP) {
	if c := checksum(unsafe.Pointer(x), 20); c != 0 {
		klog.Panicf("acpi: XSDP legacy checksum invalid: %d", c)
	}
	if x.Revision >= 2 {
		if c := checksum(unsafe.Pointer(x), x.Length); c != 0 {
			klog.Panicf("acpi: XSDP extended checksum invalid: %d", c)
		}
	}
}

func validateHeader(h *Header) {
	if c := checksum(unsafe.Pointer(h), h.Length); c != 0 {
		klog.Panicf("acpi: table %s checksum invalid: %d", h.Signature, c)
	}
}

// Table maps a still-mapped ACPI table to its header and signature, for
// use by table-specific parsers (currently only the MADT parser below).
type Table struct {
	Header *Header
	Base   unsafe.Pointer
}

// Tables is the set of ACPI tables Init discovered via the XSDT, keyed by
// 4-byte signature.
var Tables = map[string]Table{}

func mapTable(vm *vmm.Manager, phys uint64) *Header {
	virt := vm.MapHhdmPage(phys, vmm.FlagWrite|vmm.FlagCacheDisable)
	return (*Header)(unsafe.Pointer(virt))
}

// Init walks XSDP -> XSDT -> per-table headers starting from rsdp (the
// physical address Limine reports in its RSDP response), validating
// checksums and recording every table it finds. It then dispatches the
// MADT, if present, to ParseMADT.
func Init(vm *vmm.Manager, rsdpPhys uint64) {
	xsdpVirt := vm.MapHhdmPage(rsdpPhys, vmm.FlagWrite|vmm.FlagCacheDisable)
	xsdp := (*XSDP)(unsafe.Pointer(xsdpVirt))
	validateXSDP(xsdp)

	xsdt := mapTable(vm, xsdp.XSDTAddr)
	validateHeader(xsdt)

	entries := int((xsdt.Length - uint32(unsafe.Sizeof(Header{}))) / 8)
	entryArray := (*[4096]uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(xsdt)) + unsafe.Sizeof(Header{})))

	for i := 0; i < entries; i++ {
		h := mapTable(vm, entryArray[i])
		validateHeader(h)
		sig := string(h.Signature[:])
		Tables[sig] = Table{Header: h, Base: unsafe.Pointer(h)}

		if sig == sigMADT {
			ParseMADT(h)
		} else {
			klog.Infof("acpi: skipping unhandled table %s", sig)
		}
	}
}
