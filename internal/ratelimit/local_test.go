package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// newTestStore creates a store with a short sweep and cancellable context for tests.
func newTestStore(opts ...LocalOption) (*LocalStore, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	all := append([]LocalOption{WithSweepInterval(20 * time.Millisecond)}, opts...)
	return NewLocalStore(ctx, all...), cancel
}

func TestLocalStore_CountsWithinWindow(t *testing.T) {
	s, cancel := newTestStore()
	defer cancel()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := s.Incr(ctx, "10.0.0.1", time.Minute, 10, false)
		if err != nil {
			t.Fatal(err)
		}
		if res.Current != i {
			t.Fatalf("hit %d: Current = %d", i, res.Current)
		}
		if res.TTL <= 0 || res.TTL > time.Minute {
			t.Fatalf("hit %d: TTL = %v", i, res.TTL)
		}
	}

	// separate keys get separate windows
	res, _ := s.Incr(ctx, "10.0.0.2", time.Minute, 10, false)
	if res.Current != 1 {
		t.Fatalf("other key Current = %d", res.Current)
	}
}

func TestLocalStore_ResetsAfterWindow(t *testing.T) {
	s, cancel := newTestStore()
	defer cancel()
	ctx := context.Background()

	s.Incr(ctx, "k", 50*time.Millisecond, 10, false)
	s.Incr(ctx, "k", 50*time.Millisecond, 10, false)
	time.Sleep(70 * time.Millisecond)

	res, _ := s.Incr(ctx, "k", 50*time.Millisecond, 10, false)
	if res.Current != 1 {
		t.Fatalf("Current after window = %d, want 1", res.Current)
	}
}

func TestLocalStore_ContinueExceedingExtendsWindow(t *testing.T) {
	s, cancel := newTestStore()
	defer cancel()
	ctx := context.Background()

	const w = 100 * time.Millisecond
	s.Incr(ctx, "k", w, 1, true)
	time.Sleep(60 * time.Millisecond)

	// over the limit: the window restarts
	res, _ := s.Incr(ctx, "k", w, 1, true)
	if res.TTL < 90*time.Millisecond {
		t.Fatalf("TTL = %v, window was not extended", res.TTL)
	}
	time.Sleep(60 * time.Millisecond)

	// 120ms after the first hit, still in the extended window
	res, _ = s.Incr(ctx, "k", w, 1, true)
	if res.Current != 3 {
		t.Fatalf("Current = %d, want 3 in extended window", res.Current)
	}
}

func TestLocalStore_ChildPrefixes(t *testing.T) {
	s, cancel := newTestStore()
	defer cancel()
	ctx := context.Background()

	a := s.Child("route:a:")
	b := s.Child("route:b:")
	a.Incr(ctx, "k", time.Minute, 10, false)
	a.Incr(ctx, "k", time.Minute, 10, false)

	res, _ := b.Incr(ctx, "k", time.Minute, 10, false)
	if res.Current != 1 {
		t.Fatalf("children should not share counters, Current = %d", res.Current)
	}
	res, _ = s.Child("route:a:").Incr(ctx, "k", time.Minute, 10, false)
	if res.Current != 3 {
		t.Fatalf("same prefix should share counters, Current = %d", res.Current)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
}

func TestLocalStore_CapacityEvictsSoonestAndFiresOnce(t *testing.T) {
	var capCount atomic.Int32
	s, cancel := newTestStore(
		WithMaxKeys(2),
		WithSweepInterval(time.Hour),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	defer cancel()
	ctx := context.Background()

	s.Incr(ctx, "short", time.Second, 10, false)
	s.Incr(ctx, "long", time.Hour, 10, false)

	for i := 0; i < 3; i++ {
		s.Incr(ctx, fmt.Sprintf("new-%d", i), time.Hour, 10, false)
	}
	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity = %d, want 1", got)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, capacity not enforced", s.Len())
	}

	s.state.mu.Lock()
	_, shortKept := s.state.windows["short"]
	s.state.mu.Unlock()
	if shortKept {
		t.Fatal("window ending soonest should be evicted first")
	}
}

func TestLocalStore_CleanupEvictsExpired(t *testing.T) {
	s, cancel := newTestStore()
	defer cancel()

	s.Incr(context.Background(), "k", 10*time.Millisecond, 10, false)
	time.Sleep(100 * time.Millisecond)
	if s.Len() != 0 {
		t.Fatalf("expired window not evicted, Len = %d", s.Len())
	}
}

func TestLocalStore_SweepFollowsShortestWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewLocalStore(ctx)

	if got := s.state.sweepInterval(); got != idleSweep {
		t.Fatalf("sweep before any window = %v, want %v", got, idleSweep)
	}

	s.Incr(ctx, "long", time.Minute, 10, false)
	if got := s.state.sweepInterval(); got != 30*time.Second {
		t.Fatalf("sweep for 1m window = %v, want 30s", got)
	}

	// a shorter window retunes the running loop, so it is gone well before
	// the 30s sweep the longer window asked for
	s.Incr(ctx, "short", 100*time.Millisecond, 10, false)
	if got := s.state.sweepInterval(); got != 50*time.Millisecond {
		t.Fatalf("sweep for 100ms window = %v, want 50ms", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expired short window not swept, Len = %d", s.Len())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLocalStore_CleanupStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, cancel := newTestStore()
	s.Incr(context.Background(), "k", time.Minute, 10, false)
	cancel()
}
