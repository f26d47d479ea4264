package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Budget caps the aggregate rate of every stream sharing a key. Reserve takes
// n bytes at bps and returns how long the caller must wait before sending
// them. Implementations are safe for concurrent use.
type Budget interface {
	Reserve(ctx context.Context, key string, n int, bps int64) (time.Duration, error)
}

// bucket tracks one key's limiter and last activity
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalBudget keeps one token bucket per key in process memory, idle keys are
// evicted in the background.
type LocalBudget struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// ttl controls how long an idle key stays in the map before cleanup evicts it
	ttl time.Duration
}

type BudgetOption func(*LocalBudget)

// WithIdleTTL controls how long an idle key is kept
func WithIdleTTL(d time.Duration) BudgetOption {
	return func(b *LocalBudget) {
		if d > 0 {
			b.ttl = d
		}
	}
}

// NewLocalBudget creates a LocalBudget and starts the background cleanup
// goroutine, which stops when ctx is done.
func NewLocalBudget(ctx context.Context, opts ...BudgetOption) *LocalBudget {
	b := &LocalBudget{
		buckets: make(map[string]*bucket),
		ttl:     5 * time.Minute,
	}
	for _, o := range opts {
		o(b)
	}
	go b.cleanup(ctx)
	return b
}

func (b *LocalBudget) Reserve(_ context.Context, key string, n int, bps int64) (time.Duration, error) {
	if bps <= 0 || n <= 0 {
		return 0, nil
	}
	burst := max(n, chunkSize(bps))
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.buckets[key]
	if !ok {
		v = &bucket{limiter: rate.NewLimiter(rate.Limit(bps), burst)}
		b.buckets[key] = v
	} else {
		// policy can change under a live key when rules are reloaded
		if v.limiter.Limit() != rate.Limit(bps) {
			v.limiter.SetLimitAt(now, rate.Limit(bps))
		}
		if v.limiter.Burst() < burst {
			v.limiter.SetBurstAt(now, burst)
		}
	}
	v.lastSeen = now

	// burst >= n so the reservation is always OK
	return v.limiter.ReserveN(now, n).DelayFrom(now), nil
}

// Len reports the number of tracked keys.
func (b *LocalBudget) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// cleanup runs every ttl/2 and evicts keys not seen within the ttl
func (b *LocalBudget) cleanup(ctx context.Context) {
	ticker := time.NewTicker(b.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for k, v := range b.buckets {
				if now.Sub(v.lastSeen) > b.ttl {
					delete(b.buckets, k)
				}
			}
			b.mu.Unlock()
		}
	}
}
