package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/keithlinneman/throttlegate/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher refetches the document.
	DefaultPollInterval = 30 * time.Second

	// maxBackoff caps exponential backoff on consecutive fetch errors.
	maxBackoff = 5 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange     pollResult = iota // document hash matches current
	pollSwapped                        // new document parsed and swapped
	pollFetchError                     // fetch failed - caller should back off
	pollInvalidError                   // fetched but failed to parse or validate
)

// Fetcher is what the Watcher needs from a Loader.
type Fetcher interface {
	Fetch(ctx context.Context, src Source) ([]byte, error)
}

// WatcherMetrics is implemented by the metrics package.
type WatcherMetrics interface {
	IncRulesReload(result string)
}

type WatcherOptions struct {
	Logger       log.Logger
	Loader       *Loader
	Fetcher      Fetcher
	Manager      *Manager
	Source       Source
	PollInterval time.Duration

	// OnSwap is called after a successful swap, on the poll goroutine.
	OnSwap func(p *Plan)

	Metrics WatcherMetrics
}

// Watcher polls the rules source and swaps the plan when it changes. An
// invalid document never replaces a working one.
type Watcher struct {
	loader   *Loader
	fetcher  Fetcher
	manager  *Manager
	source   Source
	logger   log.Logger
	interval time.Duration
	onSwap   func(p *Plan)
	metrics  WatcherMetrics

	currentHash     string
	consecutiveErrs int

	pollCount int64
	swapCount int64
}

func NewWatcher(opts *WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Loader == nil {
		opts.Loader = NewLoader(LoaderOptions{Logger: opts.Logger})
	}
	if opts.Fetcher == nil {
		opts.Fetcher = opts.Loader
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		loader:   opts.Loader,
		fetcher:  opts.Fetcher,
		manager:  opts.Manager,
		source:   opts.Source,
		logger:   opts.Logger,
		interval: interval,
		onSwap:   opts.OnSwap,
		metrics:  opts.Metrics,
		// seed from the plan loaded at startup so the first poll is a no-op
		currentHash: opts.Manager.Get().Hash,
	}
}

// Run starts the poll loop and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "rules watcher starting",
		"source", w.source.String(),
		"poll_interval", w.interval.String(),
		"current_hash", truncHash(w.currentHash),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)
			if result == pollFetchError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "rules watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "rules watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

// checkOnce performs a single fetch-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++

	raw, err := w.fetcher.Fetch(ctx, w.source)
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: fetch failed", "source", w.source.String())
		w.observe("fetch_error")
		return pollFetchError
	}

	hash := hashOf(raw)
	if hash == w.currentHash {
		w.observe("unchanged")
		return pollNoChange
	}

	plan, err := w.loader.compileRaw(ctx, w.source, raw)
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: new document rejected, keeping current rules",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(w.currentHash),
		)
		w.observe("invalid")
		return pollInvalidError
	}

	old := w.currentHash
	w.manager.Set(plan)
	w.currentHash = hash
	w.swapCount++
	w.observe("swapped")

	w.logger.Info(ctx, "rules watcher: rules swapped",
		"old_hash", truncHash(old),
		"new_hash", truncHash(hash),
		"routes", len(plan.Routes),
		"total_swaps", w.swapCount,
	)

	if w.onSwap != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnSwap panic: %v", r),
						"rules watcher: OnSwap callback panicked, continuing")
				}
			}()
			w.onSwap(plan)
		}()
	}
	return pollSwapped
}

func (w *Watcher) observe(result string) {
	if w.metrics != nil {
		w.metrics.IncRulesReload(result)
	}
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 → 2x interval, =2 → 4x, =3 → 8x, etc.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
