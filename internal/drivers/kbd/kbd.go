// Package kbd drives a PS/2 keyboard (scancode set 1): controller
// bring-up over ports 0x60/0x64, an IOAPIC-routed interrupt handler that
// decodes make/break bytes into KeyEvents, and a ring-buffer handoff to
// process context. Grounded on original_source's
// arch/x86_64/drivers/keyboard/{keyboard,ps2,scancodes}.{hpp,cpp}.
//
// The ISR never blocks: Push onto internal/ringbuf drops the oldest
// buffered event rather than wait, per the kernel's IRQ-mutation-is-bounded
// rule.
package kbd

import (
	"kestrel/internal/apic"
	"kestrel/internal/cpu/irq"
	"kestrel/internal/klog"
	"kestrel/internal/ringbuf"
)

// PS/2 controller I/O ports.
const (
	dataPort    = 0x60
	statusPort  = 0x64
	commandPort = 0x64
)

// Status register bits (read from statusPort).
const (
	statusOutputFull = 0x01
	statusInputFull  = 0x02
)

// Controller commands (write to commandPort).
const (
	cmdReadConfig   = 0x20
	cmdWriteConfig  = 0x60
	cmdDisablePort2 = 0xA7
	cmdSelfTest     = 0xAA
	cmdTestPort1    = 0xAB
	cmdDisablePort1 = 0xAD
	cmdEnablePort1  = 0xAE
)

// Configuration byte bits.
const (
	configPort1IRQ    = 0x01
	configPort2IRQ    = 0x02
	configTranslation = 0x40
)

const (
	selfTestOK  = 0x55
	portTestOK  = 0x00
	kbCmdReset  = 0xFF
	respAck     = 0xFA
	respSelfOK  = 0xAA
	ioTimeout   = 100000
	extendedPfx = 0xE0
	releaseMask = 0x80
)

// ScanCode is a PS/2 scancode-set-1 make code (key release = make | 0x80).
type ScanCode uint8

// The subset of scancode set 1 the tty line editor and shift/ctrl/alt
// tracking need; unlisted codes still flow through as KeyEvent.Scancode
// with Rune == 0.
const (
	ScanEscape     ScanCode = 0x01
	ScanBackspace  ScanCode = 0x0E
	ScanTab        ScanCode = 0x0F
	ScanEnter      ScanCode = 0x1C
	ScanLeftCtrl   ScanCode = 0x1D
	ScanLeftShift  ScanCode = 0x2A
	ScanRightShift ScanCode = 0x36
	ScanLeftAlt    ScanCode = 0x38
	ScanSpace      ScanCode = 0x39
	ScanCapsLock   ScanCode = 0x3A
)

// ExtendedScanCode is a scancode-set-1 byte that followed an 0xE0 prefix.
type ExtendedScanCode uint8

const (
	ExtNil       ExtendedScanCode = 0x00
	ExtRightCtrl ExtendedScanCode = 0x1D
	ExtRightAlt  ExtendedScanCode = 0x38

	// Cursor/editing cluster, used by the tty line editor.
	ExtHome     ExtendedScanCode = 0x47
	ExtUp       ExtendedScanCode = 0x48
	ExtPageUp   ExtendedScanCode = 0x49
	ExtLeft     ExtendedScanCode = 0x4B
	ExtRight    ExtendedScanCode = 0x4D
	ExtEnd      ExtendedScanCode = 0x4F
	ExtDown     ExtendedScanCode = 0x50
	ExtPageDown ExtendedScanCode = 0x51
	ExtInsert   ExtendedScanCode = 0x52
	ExtDelete   ExtendedScanCode = 0x53
)

// asciiTable maps an unshifted scancode-set-1 make code to its printable
// ASCII rune, 0 where the key has none (function keys, modifiers, ...).
// Indexed 0-0x3A; original_source's scancodes.hpp enumerates the same
// US-QWERTY row layout.
var asciiTable = [0x3B]byte{
	0x02: '1', 0x03: '2', 0x04: '3', 0x05: '4', 0x06: '5',
	0x07: '6', 0x08: '7', 0x09: '8', 0x0A: '9', 0x0B: '0',
	0x0C: '-', 0x0D: '=',
	0x0F: '\t',
	0x10: 'q', 0x11: 'w', 0x12: 'e', 0x13: 'r', 0x14: 't',
	0x15: 'y', 0x16: 'u', 0x17: 'i', 0x18: 'o', 0x19: 'p',
	0x1A: '[', 0x1B: ']', 0x1C: '\n',
	0x1E: 'a', 0x1F: 's', 0x20: 'd', 0x21: 'f', 0x22: 'g',
	0x23: 'h', 0x24: 'j', 0x25: 'k', 0x26: 'l',
	0x27: ';', 0x28: '\'', 0x29: '`', 0x2B: '\\',
	0x2C: 'z', 0x2D: 'x', 0x2E: 'c', 0x2F: 'v', 0x30: 'b',
	0x31: 'n', 0x32: 'm', 0x33: ',', 0x34: '.', 0x35: '/',
	0x39: ' ',
}

// shiftedTable is asciiTable's shift-held counterpart.
var shiftedTable = [0x3B]byte{
	0x02: '!', 0x03: '@', 0x04: '#', 0x05: '$', 0x06: '%',
	0x07: '^', 0x08: '&', 0x09: '*', 0x0A: '(', 0x0B: ')',
	0x0C: '_', 0x0D: '+',
	0x0F: '\t',
	0x10: 'Q', 0x11: 'W', 0x12: 'E', 0x13: 'R', 0x14: 'T',
	0x15: 'Y', 0x16: 'U', 0x17: 'I', 0x18: 'O', 0x19: 'P',
	0x1A: '{', 0x1B: '}', 0x1C: '\n',
	0x1E: 'A', 0x1F: 'S', 0x20: 'D', 0x21: 'F', 0x22: 'G',
	0x23: 'H', 0x24: 'J', 0x25: 'K', 0x26: 'L',
	0x27: ':', 0x28: '"', 0x29: '~', 0x2B: '|',
	0x2C: 'Z', 0x2D: 'X', 0x2E: 'C', 0x2F: 'V', 0x30: 'B',
	0x31: 'N', 0x32: 'M', 0x33: '<', 0x34: '>', 0x35: '?',
	0x39: ' ',
}

// KeyEvent records one decoded make/break transition plus modifier state
// at the moment it happened, mirroring original_source's KeyEvent.
type KeyEvent struct {
	Scancode    ScanCode
	Extended    ExtendedScanCode
	Released    bool
	ShiftHeld   bool
	ControlHeld bool
	AltHeld     bool
	CapsLockOn  bool
	Rune        rune // decoded ASCII, 0 if this key has none
}

const eventBufferLen = 16

// Events is the ISR-to-process-context handoff; the tty line discipline
// drains it with Pop.
var Events = ringbuf.New[KeyEvent](eventBufferLen)

var (
	extendedPending bool
	shiftHeld       bool
	controlHeld     bool
	altHeld         bool
	capsLock        bool
)

func decodeRune(sc ScanCode) byte {
	if int(sc) >= len(asciiTable) {
		return 0
	}
	if shiftHeld != capsLockAppliesTo(sc) {
		return shiftedTable[sc]
	}
	return asciiTable[sc]
}

// capsLockAppliesTo reports whether caps lock's case-flip applies to sc
// (letters only; caps lock doesn't affect digits or punctuation).
func capsLockAppliesTo(sc ScanCode) bool {
	return capsLock && asciiTable[sc] >= 'a' && asciiTable[sc] <= 'z'
}

func handleStandardKey(code uint8, released bool) {
	sc := ScanCode(code)
	switch sc {
	case ScanLeftShift, ScanRightShift:
		shiftHeld = !released
	case ScanLeftCtrl:
		controlHeld = !released
	case ScanLeftAlt:
		altHeld = !released
	case ScanCapsLock:
		if !released {
			capsLock = !capsLock
		}
	}

	Events.Push(KeyEvent{
		Scancode:    sc,
		Released:    released,
		ShiftHeld:   shiftHeld,
		ControlHeld: controlHeld,
		AltHeld:     altHeld,
		CapsLockOn:  capsLock,
		Rune:        rune(decodeRune(sc)),
	})
	if wakeHookFn != nil {
		wakeHookFn()
	}
}

func handleExtendedKey(code uint8, released bool) {
	ext := ExtendedScanCode(code)
	switch ext {
	case ExtRightCtrl:
		controlHeld = !released
	case ExtRightAlt:
		altHeld = !released
	}

	Events.Push(KeyEvent{
		Extended:    ext,
		Released:    released,
		ShiftHeld:   shiftHeld,
		ControlHeld: controlHeld,
		AltHeld:     altHeld,
		CapsLockOn:  capsLock,
	})
	if wakeHookFn != nil {
		wakeHookFn()
	}
}

// wakeHookFn is called after every decoded key event is pushed, so the
// tty line discipline can wake its waiting process without this package
// importing fs/devfs (which itself imports kbd for scancode decoding).
// Grounded on original_source's ps2.cpp, which reaches into
// fs::devfs::tty::get_waiting_process() directly after each IRQ; this
// port inverts that dependency with a registered hook instead.
var wakeHookFn func()

// SetWakeHook installs fn to run after each keyboard event, in interrupt
// context. fn must not block: per the kernel's IRQ-mutation-is-bounded
// rule, the only mutation it may perform is flipping a BLOCKED process
// to READY.
func SetWakeHook(fn func()) {
	wakeHookFn = fn
}

func handleScancode(byte_ uint8) {
	if byte_ == extendedPfx {
		extendedPending = true
		return
	}

	released := byte_&releaseMask != 0
	code := byte_ &^ releaseMask

	if extendedPending {
		extendedPending = false
		handleExtendedKey(code, released)
	} else {
		handleStandardKey(code, released)
	}
}

func interruptHandler(f *irq.Frame, r *irq.Regs) {
	handleScancode(inbFn(dataPort))
	apic.SendEOI()
}

// --- PS/2 controller bring-up ---

func waitInputReady() bool {
	for i := 0; i < ioTimeout; i++ {
		if inbFn(statusPort)&statusInputFull == 0 {
			return true
		}
	}
	return false
}

func waitOutputReady() bool {
	for i := 0; i < ioTimeout; i++ {
		if inbFn(statusPort)&statusOutputFull != 0 {
			return true
		}
	}
	return false
}

func sendCommand(cmd uint8) bool {
	if !waitInputReady() {
		return false
	}
	outbFn(commandPort, cmd)
	return true
}

func sendData(data uint8) bool {
	if !waitInputReady() {
		return false
	}
	outbFn(dataPort, data)
	return true
}

func readData() (uint8, bool) {
	if !waitOutputReady() {
		return 0, false
	}
	return inbFn(dataPort), true
}

func flush() {
	for inbFn(statusPort)&statusOutputFull != 0 {
		inbFn(dataPort)
	}
}

func controllerExists() bool {
	return inbFn(statusPort) != 0xFF
}

func selfTest() bool {
	if !sendCommand(cmdSelfTest) {
		klog.Warnf("kbd: self-test command failed")
		return false
	}
	resp, ok := readData()
	if !ok {
		klog.Warnf("kbd: self-test timeout")
		return false
	}
	return resp == selfTestOK
}

func testPort1() bool {
	if !sendCommand(cmdTestPort1) {
		klog.Warnf("kbd: port 1 test command failed")
		return false
	}
	resp, ok := readData()
	if !ok {
		klog.Warnf("kbd: port 1 test timeout")
		return false
	}
	return resp == portTestOK
}

func resetDevice() bool {
	if !sendData(kbCmdReset) {
		klog.Warnf("kbd: reset command failed")
		return false
	}
	ack, ok := readData()
	if !ok || ack != respAck {
		klog.Warnf("kbd: reset not acknowledged")
		return false
	}
	result, ok := readData()
	if !ok || result != respSelfOK {
		klog.Warnf("kbd: device self-test failed")
		return false
	}
	return true
}

// Init brings up the PS/2 controller and keyboard, routes gsi to vector
// through the I/O APIC, and registers the interrupt handler. It reports
// false (after logging a warning) if the controller or device doesn't
// respond — absence of a keyboard is not fatal to boot.
func Init(gsi uint32, vector uint8) bool {
	klog.Infof("kbd: init")

	if !controllerExists() {
		klog.Warnf("kbd: no PS/2 controller detected")
		return false
	}

	sendCommand(cmdDisablePort1)
	sendCommand(cmdDisablePort2)
	flush()

	sendCommand(cmdReadConfig)
	config, ok := readData()
	if !ok {
		klog.Warnf("kbd: failed to read controller configuration")
		return false
	}
	config &^= configPort1IRQ | configPort2IRQ | configTranslation

	sendCommand(cmdWriteConfig)
	sendData(config)

	if !selfTest() {
		return false
	}

	// Self-test may reset the controller; restore the configuration.
	sendCommand(cmdWriteConfig)
	sendData(config)

	if !testPort1() {
		return false
	}

	sendCommand(cmdEnablePort1)

	if !resetDevice() {
		return false
	}

	sendCommand(cmdReadConfig)
	if config, ok := readData(); ok {
		config |= configPort1IRQ
		sendCommand(cmdWriteConfig)
		sendData(config)
	}

	apic.RouteIRQ(gsi, vector)
	irq.RegisterIRQ(irq.Vector(vector), interruptHandler)

	klog.Infof("kbd: PS/2 keyboard initialized on vector %d", vector)
	return true
}

// inb/outb are this package's own port-I/O primitives, following the same
// one-bodyless-function-per-instruction idiom as internal/apic's
// cpuid/rdmsr/wrmsr.
func inb(port uint16) uint8
func outb(port uint16, value uint8)

var (
	inbFn  = inb
	outbFn = outb
)

// SetPortHooksForTest replaces the IN/OUT primitives, returning a restore
// func; it lets controller bring-up and the ISR run against a fake PS/2
// device from a hosted test process.
func SetPortHooksForTest(read func(uint16) uint8, write func(uint16, uint8)) (restore func()) {
	prevIn, prevOut := inbFn, outbFn
	inbFn, outbFn = read, write
	return func() { inbFn, outbFn = prevIn, prevOut }
}

// ResetForTest clears modifier-key latch state and drains Events, for
// test isolation.
func ResetForTest() {
	extendedPending = false
	shiftHeld = false
	controlHeld = false
	altHeld = false
	capsLock = false
	Events = ringbuf.New[KeyEvent](eventBufferLen)
}
