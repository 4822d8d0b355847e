package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"rdpbridge/internal/testutil"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		if _, evicted := r.Push(i); evicted {
			t.Fatalf("push %d: unexpected eviction", i)
		}
	}
	for want := 1; want <= 3; want++ {
		got, err := r.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}

func TestRingDropsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 3; i++ {
		r.Push(i)
	}
	old, evicted := r.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("expected eviction of 1, got %d (evicted=%v)", old, evicted)
	}
	old, evicted = r.Push(5)
	if !evicted || old != 2 {
		t.Fatalf("expected eviction of 2, got %d (evicted=%v)", old, evicted)
	}
	if got := r.Drain(); len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", r.Dropped())
	}
}

func TestRingOccupancyNeverExceedsCapacity(t *testing.T) {
	const capacity = 5
	r := NewRing[int](capacity)
	for i := 0; i < 1000; i++ {
		r.Push(i)
		if n := r.Len(); n > capacity {
			t.Fatalf("occupancy %d exceeds capacity %d", n, capacity)
		}
	}
	got := r.Drain()
	if len(got) != capacity {
		t.Fatalf("expected %d buffered, got %d", capacity, len(got))
	}
	for i, v := range got {
		if want := 1000 - capacity + i; v != want {
			t.Fatalf("index %d: expected newest value %d, got %d", i, want, v)
		}
	}
}

func TestRingPopBlocksUntilPush(t *testing.T) {
	r := NewRing[string](2)
	got := make(chan string, 1)
	go func() {
		v, err := r.Pop(context.Background())
		if err == nil {
			got <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r.Push("frame")
	if v := testutil.RequireReceive(t, got, 2*time.Second, "waiting for pop"); v != "frame" {
		t.Fatalf("expected frame, got %q", v)
	}
}

func TestRingCloseWakesAllConsumers(t *testing.T) {
	r := NewRing[int](1)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := r.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	r.Close()
	r.Close()
	for i := 0; i < 3; i++ {
		err := testutil.RequireReceive(t, errs, 2*time.Second, "consumer %d", i)
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	}
}

func TestRingPopReturnsBufferedBeforeClosed(t *testing.T) {
	r := NewRing[int](2)
	r.Push(7)
	r.Close()
	if _, evicted := r.Push(8); !evicted {
		t.Fatalf("expected push to closed ring to be refused")
	}
	v, err := r.Pop(context.Background())
	if err != nil || v != 7 {
		t.Fatalf("expected 7, got %d (%v)", v, err)
	}
	if _, err := r.Pop(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRingPopHonoursContext(t *testing.T) {
	r := NewRing[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
