package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window tracks a single key's count and when its window ends
type window struct {
	current int
	resetAt time.Time
}

// localState is shared by a LocalStore and all of its children
type localState struct {
	mu      sync.Mutex
	windows map[string]*window

	// maxKeys bounds memory, when full the window ending soonest is evicted
	maxKeys int
	// capacityHit latches so OnCapacity fires once per saturation, cleanup resets it
	capacityHit bool

	// sweep fixes how often expired windows are dropped, zero means half
	// the shortest window seen
	sweep     time.Duration
	minWindow time.Duration
	// retune wakes the cleanup loop when a shorter window shows up
	retune chan struct{}

	// OnCapacity is called once when a new key arrives while the map is full
	OnCapacity func()
}

// LocalStore is an in-process Store, not shared between instances.
type LocalStore struct {
	state  *localState
	prefix string
}

type LocalOption func(*localState)

// WithMaxKeys bounds the number of tracked keys, default 5000.
func WithMaxKeys(n int) LocalOption {
	return func(s *localState) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithSweepInterval fixes how often expired windows are removed. By default
// the store sweeps every half of the shortest window it has counted.
func WithSweepInterval(d time.Duration) LocalOption {
	return func(s *localState) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// WithOnCapacity sets a callback for when the store first evicts a live key
// to make room, used for a log line and a counter.
func WithOnCapacity(fn func()) LocalOption {
	return func(s *localState) {
		s.OnCapacity = fn
	}
}

// NewLocalStore creates a LocalStore and starts the background cleanup
// goroutine, uses provided context for cancellation that will trigger on app shutdown.
func NewLocalStore(ctx context.Context, opts ...LocalOption) *LocalStore {
	s := &localState{
		windows: make(map[string]*window),
		maxKeys: 5000,
		retune:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	go s.cleanup(ctx)
	return &LocalStore{state: s}
}

func (l *LocalStore) Child(prefix string) Store {
	return &LocalStore{state: l.state, prefix: l.prefix + prefix}
}

func (l *LocalStore) Incr(_ context.Context, key string, d time.Duration, max int, continueExceeding bool) (Result, error) {
	s := l.state
	k := l.prefix + key
	now := time.Now()

	s.mu.Lock()
	if d > 0 && (s.minWindow == 0 || d < s.minWindow) {
		s.minWindow = d
		select {
		case s.retune <- struct{}{}:
		default:
		}
	}
	w, exists := s.windows[k]
	fire := false
	if !exists {
		if len(s.windows) >= s.maxKeys {
			s.evictSoonestLocked()
			if !s.capacityHit {
				s.capacityHit = true
				fire = true
			}
		}
		w = &window{resetAt: now.Add(d)}
		s.windows[k] = w
	} else if !now.Before(w.resetAt) {
		w.current = 0
		w.resetAt = now.Add(d)
	}

	w.current++
	if continueExceeding && w.current > max {
		w.resetAt = now.Add(d)
	}
	res := Result{Current: w.current, TTL: w.resetAt.Sub(now)}
	s.mu.Unlock()

	// hooks run outside the lock, they may do slow work
	if fire && s.OnCapacity != nil {
		s.OnCapacity()
	}
	return res, nil
}

// Len reports the number of tracked windows.
func (l *LocalStore) Len() int {
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	return len(l.state.windows)
}

func (s *localState) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for k, w := range s.windows {
		if victim == "" || w.resetAt.Before(soonest) {
			victim, soonest = k, w.resetAt
		}
	}
	delete(s.windows, victim)
}

const (
	// idleSweep is used until the first window is counted
	idleSweep = 30 * time.Second
	minSweep  = 10 * time.Millisecond
)

// sweepInterval is the fixed interval if one was set, otherwise half the
// shortest window seen.
func (s *localState) sweepInterval() time.Duration {
	if s.sweep > 0 {
		return s.sweep
	}
	s.mu.Lock()
	w := s.minWindow
	s.mu.Unlock()
	if w == 0 {
		return idleSweep
	}
	return max(w/2, minSweep)
}

// cleanup periodically drops windows that have already ended.
func (s *localState) cleanup(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retune:
			ticker.Reset(s.sweepInterval())
		case now := <-ticker.C:
			s.mu.Lock()
			for k, w := range s.windows {
				if !now.Before(w.resetAt) {
					delete(s.windows, k)
				}
			}
			if len(s.windows) < s.maxKeys {
				s.capacityHit = false
			}
			s.mu.Unlock()
		}
	}
}
