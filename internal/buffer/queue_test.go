package buffer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestNewQueue(t *testing.T) {
	q := NewQueue(64)
	if q.Cap() != 64 {
		t.Errorf("expected capacity 64, got %d", q.Cap())
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}

	// Zero and negative capacity default to 1
	if NewQueue(0).Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input")
	}
	if NewQueue(-5).Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input")
	}
}

func TestQueue_PushDrainOrder(t *testing.T) {
	q := NewQueue(4)
	for _, f := range []string{"a", "b", "c"} {
		if err := q.Push([]byte(f)); err != nil {
			t.Fatalf("Push(%s): %v", f, err)
		}
	}

	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(got[i]) != want {
			t.Errorf("frame %d = %q, want %q", i, got[i], want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after Drain: %d", q.Len())
	}
	if q.Drain() != nil {
		t.Error("second Drain should return nil")
	}
}

func TestQueue_FullRefusesWithoutEviction(t *testing.T) {
	q := NewQueue(2)
	q.Push([]byte("1"))
	q.Push([]byte("2"))

	if err := q.Push([]byte("3")); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Dropped() != 1 {
		t.Errorf("expected 1 dropped, got %d", q.Dropped())
	}

	got := q.Drain()
	if len(got) != 2 || string(got[0]) != "1" || string(got[1]) != "2" {
		t.Errorf("oldest frames must survive, got %q", got)
	}

	// Space is available again after draining
	if err := q.Push([]byte("4")); err != nil {
		t.Errorf("Push after Drain: %v", err)
	}
}

func TestQueue_PushCopiesFrame(t *testing.T) {
	q := NewQueue(1)
	frame := []byte("original")
	q.Push(frame)
	copy(frame, "mutated!")

	if got := q.Drain(); string(got[0]) != "original" {
		t.Errorf("queued frame changed with caller's slice: %q", got[0])
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := NewQueue(1000)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Push([]byte(fmt.Sprintf("%d-%d", id, j)))
			}
		}(i)
	}
	wg.Wait()

	if q.Len() != 1000 {
		t.Errorf("expected 1000 frames, got %d", q.Len())
	}
}
