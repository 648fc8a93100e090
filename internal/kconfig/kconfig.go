// Package kconfig collects the kernel's compile-time tunables. There is no
// config file format: before the VFS exists there is nowhere to read one
// from, so, as in the teacher, tunables live as named constants close to
// where they matter. This package exists only to give the handful that are
// genuinely cross-cutting (shared by mem, proc, and sched) one documented
// home instead of scattering magic numbers.
package kconfig

const (
	// MaxPhysFrames bounds the PFA bitmap: 4 GiB worth of 4 KiB frames.
	MaxPhysFrames = (4 << 30) / 4096

	// KernelStackBytes is the size of each process's kernel stack.
	KernelStackBytes = 16 * 1024

	// UserStackBytes is the size of the stack mapped into a new process.
	UserStackBytes = 16 * 1024

	// MaxProcesses is the run-list size the scheduler's linear scans are
	// sized for, per spec §9's acknowledged linear-scan design;
	// sched.AddProcess does not enforce it.
	MaxProcesses = 32

	// TimerHz is the tick rate the scheduler assumes when it advances its
	// millisecond uptime counter (1000/TimerHz ms per tick). It does not
	// program the LAPIC timer, whose period is the duration of the
	// calibration reference delay passed to apic.Init.
	TimerHz = 1000

	// KeyboardRingCapacity is not referenced by the keyboard driver:
	// internal/drivers/kbd sizes its ISR-to-tty event ring with its own
	// eventBufferLen (16 key events).
	KeyboardRingCapacity = 256
)
