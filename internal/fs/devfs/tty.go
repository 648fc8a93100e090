package devfs

import (
	"unicode"

	"kestrel/internal/ansi"
	"kestrel/internal/drivers/kbd"
	"kestrel/internal/proc"
	"kestrel/internal/sched"
)

// init registers the tty's keyboard wake hook, per spec §4.11: "the
// keyboard ISR wakes the waiting process by setting its state to READY
// if it was BLOCKED." Grounded on original_source's ps2.cpp, which calls
// fs::devfs::tty::get_waiting_process() directly from the ISR.
func init() {
	kbd.SetWakeHook(wakeWaitingProcess)
}

func wakeWaitingProcess() {
	if waiting != nil && waiting.State == proc.StateBlocked {
		waiting.State = proc.StateReady
	}
}

// Line editor state for /dev/tty1. A single shared buffer, since this
// kernel is single-CPU and only one process reads the tty at a time (the
// waiting process recorded below), grounded on original_source's
// fs::devfs::tty module-level statics.
var (
	lineBuf      []rune
	lineIdx      int
	history      []string
	historyIdx   int
	waiting      *proc.Process
	ansiWriter   ansi.Parser
)

// echo writes raw bytes straight to the console sink: the line editor's
// own character echo, independent of the ansi-classified Write path
// below, since a backspace-redraw is not itself an escape sequence a
// caller is asking to be parsed.
func echo(s string) {
	consoleSink.Write([]byte(s))
}

func redrawFromCursor() {
	echo(string(lineBuf[lineIdx:]))
	for range lineBuf[lineIdx:] {
		echo("\b")
	}
}

func insertChar(c rune) {
	lineBuf = append(lineBuf, 0)
	copy(lineBuf[lineIdx+1:], lineBuf[lineIdx:])
	lineBuf[lineIdx] = c
	lineIdx++

	echo(string(c))
	redrawFromCursor()
}

func deleteBack() {
	if lineIdx == 0 {
		return
	}
	lineBuf = append(lineBuf[:lineIdx-1], lineBuf[lineIdx:]...)
	lineIdx--

	echo("\b")
	redrawFromCursor()
	echo(" ")
	echo("\b")
}

func deleteForward() {
	if lineIdx == len(lineBuf) {
		return
	}
	lineBuf = append(lineBuf[:lineIdx], lineBuf[lineIdx+1:]...)
	redrawFromCursor()
	echo(" \b")
}

func moveLeft() {
	if lineIdx > 0 {
		lineIdx--
		echo("\b")
	}
}

func moveRight() {
	if lineIdx < len(lineBuf) {
		echo(string(lineBuf[lineIdx]))
		lineIdx++
	}
}

func moveToStart() {
	for lineIdx > 0 {
		moveLeft()
	}
}

func moveToEnd() {
	for lineIdx < len(lineBuf) {
		moveRight()
	}
}

func deleteToEnd() {
	lineBuf = lineBuf[:lineIdx]
}

func addHistory() {
	if len(lineBuf) == 0 {
		return
	}
	line := string(lineBuf)
	if len(history) > 0 && history[len(history)-1] == line {
		historyIdx = len(history)
		return
	}
	history = append(history, line)
	historyIdx = len(history)
}

func historyUp() {
	if len(history) == 0 || historyIdx == 0 {
		return
	}
	moveToStart()
	deleteToEnd()
	historyIdx--
	lineBuf = []rune(history[historyIdx])
	lineIdx = len(lineBuf)
	echo(string(lineBuf))
}

func historyDown() {
	moveToStart()
	deleteToEnd()
	if historyIdx+1 < len(history) {
		historyIdx++
		lineBuf = []rune(history[historyIdx])
	} else {
		historyIdx = len(history)
		lineBuf = nil
	}
	lineIdx = len(lineBuf)
	echo(string(lineBuf))
}

func processCtrl(r rune) {
	switch unicode.ToLower(r) {
	case 'a':
		moveToStart()
	case 'e':
		moveToEnd()
	case 'k':
		deleteToEnd()
	case 'b':
		moveLeft()
	case 'f':
		moveRight()
	case 'd':
		deleteForward()
	}
}

// readLine is dev/tty1's blocking Read: it registers the calling process
// as waiting, clears the shared buffer, then loops draining keyboard
// events and translating them into line-editing actions until Enter,
// cooperatively yielding whenever the event queue runs dry. Grounded on
// original_source's tty_read.
func readLine(buf []byte) (int, error) {
	waiting = sched.CurrentProcess()
	lineBuf = nil
	lineIdx = 0

	for {
		for {
			ev, ok := kbd.Events.Pop()
			if !ok {
				break
			}
			if ev.Released {
				continue
			}

			switch {
			case ev.ControlHeld:
				processCtrl(ev.Rune)
			case ev.Scancode == kbd.ScanEnter:
				addHistory()
				waiting = nil
				n := copy(buf, string(lineBuf))
				echo("\n")
				return n, nil
			case ev.Rune != 0:
				insertChar(ev.Rune)
			case ev.Scancode == kbd.ScanBackspace:
				deleteBack()
			case ev.Extended == kbd.ExtLeft:
				moveLeft()
			case ev.Extended == kbd.ExtRight:
				moveRight()
			case ev.Extended == kbd.ExtDelete:
				deleteForward()
			case ev.Extended == kbd.ExtUp:
				historyUp()
			case ev.Extended == kbd.ExtDown:
				historyDown()
			}
		}

		if waiting != nil {
			sched.YieldBlocked(waiting)
		}
	}
}

// writeTTY classifies buf through the ansi CSI parser and forwards
// plain-rune Actions to the console sink a byte at a time; recognized
// escape sequences are consumed (classified, not rasterized) per
// SPEC_FULL.md's framebuffer-is-out-of-scope boundary.
func writeTTY(buf []byte) (int, error) {
	for _, a := range ansiWriter.Feed(buf) {
		if a.Op == 0 {
			consoleSink.Write([]byte{a.Rune})
		}
	}
	return len(buf), nil
}
