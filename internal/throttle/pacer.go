package throttle

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Option configures a Writer or Reader.
type Option func(*pacer)

// WithBurst caps the credit a stream may bank. Chunks never exceed it.
func WithBurst(n int) Option {
	return func(p *pacer) { p.burst = n }
}

// WithBudget makes every chunk also reserve its bytes from b under key at bps.
func WithBudget(b Budget, key string, bps int64) Option {
	return func(p *pacer) {
		p.budget, p.budgetKey, p.budgetBPS = b, key, bps
	}
}

// WithOnWait is called with every non-zero pause.
func WithOnWait(fn func(time.Duration)) Option {
	return func(p *pacer) { p.onWait = fn }
}

// WithOnBytes is called with every chunk actually transferred.
func WithOnBytes(fn func(int)) Option {
	return func(p *pacer) { p.onBytes = fn }
}

// WithOnBudgetError is called when the budget cannot be reserved; the chunk
// then proceeds paced only by its own stream.
func WithOnBudgetError(fn func(error)) Option {
	return func(p *pacer) { p.onBudgetErr = fn }
}

// pacer holds the per-stream bucket shared by Writer and Reader.
type pacer struct {
	ctx  context.Context
	rate RateFunc
	lim  *rate.Limiter

	burst int
	start time.Time
	moved int64

	budget    Budget
	budgetKey string
	budgetBPS int64

	onWait      func(time.Duration)
	onBytes     func(int)
	onBudgetErr func(error)
}

func newPacer(ctx context.Context, fn RateFunc, opts []Option) *pacer {
	if ctx == nil {
		ctx = context.Background()
	}
	p := &pacer{ctx: ctx, rate: fn}
	for _, o := range opts {
		o(p)
	}
	return p
}

// plan returns how many of want bytes the next chunk carries and the stream
// rate that applies to it.
func (p *pacer) plan(want int) (int, int64) {
	now := time.Now()
	if p.start.IsZero() {
		p.start = now
	}
	var bps int64
	if p.rate != nil {
		bps = p.rate(now.Sub(p.start), p.moved)
	}

	paceBPS := bps
	if paceBPS <= 0 || (p.budget != nil && p.budgetBPS > 0 && p.budgetBPS < paceBPS) {
		paceBPS = p.budgetBPS
	}
	if paceBPS <= 0 {
		return want, 0
	}

	chunk := chunkSize(paceBPS)
	if p.burst > 0 && chunk > p.burst {
		chunk = p.burst
	}
	if bps > 0 {
		p.tune(now, bps, chunk)
	}
	return min(want, chunk), bps
}

func (p *pacer) tune(now time.Time, bps int64, chunk int) {
	burst := chunk
	if p.burst > burst {
		burst = p.burst
	}
	if p.lim == nil {
		p.lim = rate.NewLimiter(rate.Limit(bps), burst)
		return
	}
	if p.lim.Limit() != rate.Limit(bps) {
		p.lim.SetLimitAt(now, rate.Limit(bps))
	}
	if p.lim.Burst() != burst {
		p.lim.SetBurstAt(now, burst)
	}
}

// pace blocks until n bytes may move at bps and within the budget.
func (p *pacer) pace(n int, bps int64) error {
	if n <= 0 {
		return nil
	}
	if err := p.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrContextEnded, err)
	}

	if bps > 0 && p.lim != nil {
		t0 := time.Now()
		if err := p.lim.WaitN(p.ctx, n); err != nil {
			if cerr := p.ctx.Err(); cerr != nil {
				return fmt.Errorf("%w: %w", ErrContextEnded, cerr)
			}
			return fmt.Errorf("%w: %w", ErrWaitingFailed, err)
		}
		p.waited(time.Since(t0))
	}

	if p.budget != nil && p.budgetBPS > 0 {
		d, err := p.budget.Reserve(p.ctx, p.budgetKey, n, p.budgetBPS)
		if err != nil {
			if p.onBudgetErr != nil {
				p.onBudgetErr(err)
			}
			return nil
		}
		if err := sleep(p.ctx, d); err != nil {
			return err
		}
		p.waited(d)
	}
	return nil
}

func (p *pacer) waited(d time.Duration) {
	if d > 0 && p.onWait != nil {
		p.onWait(d)
	}
}

func (p *pacer) advance(n int) {
	if n <= 0 {
		return
	}
	p.moved += int64(n)
	if p.onBytes != nil {
		p.onBytes(n)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrContextEnded, ctx.Err())
	}
}
