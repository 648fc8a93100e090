// Package klog is the kernel's leveled logger. Before the heap exists it
// writes through a bare allocation-free path (grounded on gopher-os's
// kfmt/early.Printf, which exists for the same reason: the Go allocator
// is not yet safe to call); once devfs is mounted, output is retargeted
// at /dev/tty1 the way biscuit's kprintf eventually reaches the console.
package klog

import (
	"fmt"
	"io"
	"os"
)

// Level orders log severity, least to most urgent.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelPanic:
		return "panic"
	default:
		return "?"
	}
}

// sink is where formatted lines go. Defaults to stderr (the pre-console
// early-boot path); SetSink retargets it once a console device exists.
var sink io.Writer = os.Stderr

// SetSink redirects all subsequent log output, e.g. to /dev/tty1 once
// devfs is mounted.
func SetSink(w io.Writer) {
	sink = w
}

func emit(lvl Level, format string, args ...interface{}) {
	fmt.Fprintf(sink, "[%s] "+format+"\n", append([]interface{}{lvl}, args...)...)
}

// Infof logs a routine message.
func Infof(format string, args ...interface{}) {
	emit(LevelInfo, format, args...)
}

// Warnf logs a recoverable anomaly: a double-free caught past the bitmap
// level, a slab magic mismatch, an unmapped address seen by a VMM free.
func Warnf(format string, args ...interface{}) {
	emit(LevelWarn, format, args...)
}

// Panicf logs a fatal condition and halts by panicking. This is the single
// chokepoint the spec's "fatal panic, dump state, halt" error kind routes
// through: physical/virtual OOM, unhandled CPU exceptions, and any other
// invariant violation with no safe continuation.
func Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	emit(LevelPanic, "%s", msg)
	panic(msg)
}
