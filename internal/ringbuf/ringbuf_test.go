package ringbuf

import "testing"

func TestScancodesArriveInOrder(t *testing.T) {
	b := New[byte](4)
	for _, v := range []byte{1, 2, 3} {
		b.Push(v)
	}
	for _, want := range []byte{1, 2, 3} {
		got, ok := b.Pop()
		if !ok || got != want {
			t.Fatalf("got %d,%v want %d", got, ok, want)
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Push(4) // should evict 1
	var got []int
	for {
		v, ok := b.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestPopEmpty(t *testing.T) {
	b := New[int](2)
	if _, ok := b.Pop(); ok {
		t.Fatal("expected Pop on empty buffer to report !ok")
	}
}
