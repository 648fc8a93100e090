package ansi

import (
	"reflect"
	"testing"
)

func TestFeedPassesThroughPlainBytes(t *testing.T) {
	var p Parser
	got := p.Feed([]byte("hi"))
	want := []Action{{Rune: 'h'}, {Rune: 'i'}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed() = %+v, want %+v", got, want)
	}
}

func TestFeedParsesCursorMoveWithArgs(t *testing.T) {
	var p Parser
	got := p.Feed([]byte("\x1b[12;3H"))
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	want := Action{Op: CursorPosition, Args: []int{12, 3}}
	if !reflect.DeepEqual(got[0], want) {
		t.Fatalf("got[0] = %+v, want %+v", got[0], want)
	}
}

func TestFeedHandlesSequenceSplitAcrossCalls(t *testing.T) {
	var p Parser
	if got := p.Feed([]byte("\x1b[2")); len(got) != 0 {
		t.Fatalf("partial sequence should not yet produce an action, got %+v", got)
	}
	got := p.Feed([]byte("J"))
	want := []Action{{Op: EraseInDisplay, Args: []int{2}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed() = %+v, want %+v", got, want)
	}
}

func TestFeedDefaultsEmptyArgToZero(t *testing.T) {
	var p Parser
	got := p.Feed([]byte("\x1b[m"))
	want := []Action{{Op: SelectGraphicRendition, Args: []int{0}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed() = %+v, want %+v", got, want)
	}
}

func TestFeedDropsNonCSIEscape(t *testing.T) {
	var p Parser
	got := p.Feed([]byte("\x1bQx"))
	want := []Action{{Rune: 'x'}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Feed() = %+v, want %+v", got, want)
	}
}
