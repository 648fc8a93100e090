// Package diag provides crash-dump enrichment for the kernel's fatal
// exception path and a read-only /dev/kstat counters device: a
// disassembly of the faulting instruction (spec §4.5's "dumps the
// frame", enriched from a bare register dump), C++ symbol demangling for
// an optional debug-build symbol table, and a snapshot of PFA/slab/
// process bookkeeping. Grounded on biscuit bundling its own hosted Go
// toolchain for exactly this kind of kernel-side diagnostics.
package diag

import (
	"fmt"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/arch/x86/x86asm"
)

// DisassembleOne decodes the single x86-64 instruction at the start of
// code (normally a window of bytes copied from around a faulting RIP)
// and renders it in GNU (AT&T) syntax text, the same disassembly
// shape `objdump`/`gdb` show by default. Returns a placeholder string, never an
// error, since this only ever runs on a best-effort path after a fault
// has already been decided fatal.
func DisassembleOne(rip uint64, code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("%#x: <undecodable: %v>", rip, err)
	}
	return fmt.Sprintf("%#x: %s", rip, x86asm.GNUSyntax(inst, rip, nil))
}

// DemangleSymbol returns name run through the Itanium C++ demangler, for
// the optional debug-build symbol table shipped alongside the kernel
// image. Names that are not mangled (the overwhelming majority of a Go
// kernel's own symbols) pass through unchanged.
func DemangleSymbol(name string) string {
	return demangle.Filter(name)
}

// Snapshot is a point-in-time dump of kernel bookkeeping counters,
// exposed read-only as /dev/kstat. Folds in original_source's
// kernel/memory/pmm.hpp allocation counters and biscuit's stat/stats
// packages, per SPEC_FULL.md's supplemented-features section.
type Snapshot struct {
	FreeFrames    uint64
	TotalFrames   uint64
	SlabsInUse    int
	LiveProcesses int
}

// String renders a Snapshot as the plain-text line format /dev/kstat
// reads back, one "key value" pair per line.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"free_frames %d\ntotal_frames %d\nslabs_in_use %d\nlive_processes %d\n",
		s.FreeFrames, s.TotalFrames, s.SlabsInUse, s.LiveProcesses,
	)
}

// Source supplies the live counters a Snapshot reports; internal/mem/pfa,
// internal/mem/slab, and internal/sched each implement the slice of this
// interface they own, wired together by cmd/kestrel at boot.
type Source interface {
	FreeFrames() uint64
	TotalFrames() uint64
	SlabsInUse() int
	LiveProcesses() int
}

// Take builds a Snapshot from src.
func Take(src Source) Snapshot {
	return Snapshot{
		FreeFrames:    src.FreeFrames(),
		TotalFrames:   src.TotalFrames(),
		SlabsInUse:    src.SlabsInUse(),
		LiveProcesses: src.LiveProcesses(),
	}
}
