package ratelimit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/keithlinneman/throttlegate/internal/httpmw"
)

var (
	ErrInvalidOptions = errors.New("invalid rate limit options")
)

// Decision is the outcome of one Check.
type Decision struct {
	Key       string
	Limit     int
	Current   int
	Remaining int
	// Reset is the time left in the window rounded up to whole seconds.
	Reset time.Duration
	TTL   time.Duration

	Exceeded bool
	// FirstExceeded is true for the first hit over the limit in a window.
	FirstExceeded bool
	Banned        bool
	AllowListed   bool
	// Skipped is set when the store failed and SkipOnError let the request through.
	Skipped bool
}

// ErrorContext is passed to an ErrorResponse builder.
type ErrorContext struct {
	Max    int
	TTL    time.Duration
	After  string
	Banned bool
}

// Headers toggles individual rate limit response headers.
type Headers struct {
	Limit      bool
	Remaining  bool
	Reset      bool
	RetryAfter bool
}

// Limiter enforces one rate limit policy.
type Limiter struct {
	store Store
	route string
	group string

	max               int
	maxFunc           func(r *http.Request, key string) (int, error)
	window            time.Duration
	ban               int
	continueExceeding bool
	skipOnError       bool
	draftHeaders      bool

	addHeaders            Headers
	addHeadersOnExceeding Headers

	keyFunc   func(*http.Request) string
	allowList []netip.Prefix
	allowKeys map[string]struct{}
	allowFunc func(r *http.Request, key string) bool

	errorResponse func(r *http.Request, ec ErrorContext) (int, any)

	// OnExceeding is called for every request under the limit
	OnExceeding func(r *http.Request, key string)
	// OnExceeded is called for every request over the limit
	OnExceeded func(r *http.Request, key string)
	// OnFirstExceeded is called once per key per window, used for logging
	OnFirstExceeded func(r *http.Request, key string)
	// OnBanReach is called for every banned request
	OnBanReach func(r *http.Request, key string)
	// OnDecision is called with every decision, used for prometheus counters
	OnDecision func(r *http.Request, d Decision)
	// OnStoreError is called for every store failure, skipped or not
	OnStoreError func(r *http.Request, err error)

	allowListRaw []string
}

type Option func(*Limiter)

// WithStore sets the counter store. Required.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithRoute names the route, counters are isolated per route unless a group is set.
func WithRoute(name string) Option {
	return func(l *Limiter) { l.route = name }
}

// WithGroup shares counters between every route with the same group.
func WithGroup(name string) Option {
	return func(l *Limiter) { l.group = name }
}

// WithMax sets the hits allowed per window, default 1000.
func WithMax(n int) Option {
	return func(l *Limiter) { l.max = n }
}

// WithMaxFunc computes the limit per request, it overrides WithMax.
func WithMaxFunc(fn func(r *http.Request, key string) (int, error)) Option {
	return func(l *Limiter) { l.maxFunc = fn }
}

// WithWindow sets the window length, default 1 minute.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithBan answers 403 once a key goes n hits over the limit in a window, 0 disables.
func WithBan(n int) Option {
	return func(l *Limiter) { l.ban = n }
}

// WithContinueExceeding restarts the window on every hit over the limit.
func WithContinueExceeding(v bool) Option {
	return func(l *Limiter) { l.continueExceeding = v }
}

// WithSkipOnError lets requests through when the store fails.
func WithSkipOnError(v bool) Option {
	return func(l *Limiter) { l.skipOnError = v }
}

// WithDraftHeaders uses the IETF draft ratelimit-* header names.
func WithDraftHeaders(v bool) Option {
	return func(l *Limiter) { l.draftHeaders = v }
}

// WithHeaders sets which headers go on limited responses.
func WithHeaders(h Headers) Option {
	return func(l *Limiter) { l.addHeaders = h }
}

// WithHeadersOnExceeding sets which headers go on allowed responses.
func WithHeadersOnExceeding(h Headers) Option {
	return func(l *Limiter) { l.addHeadersOnExceeding = h }
}

// WithKeyFunc sets how requests map to counters, default is the client IP.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFunc = fn }
}

// WithAllowList exempts keys matching any IP or CIDR entry, or equal to a non-IP entry.
func WithAllowList(entries ...string) Option {
	return func(l *Limiter) { l.allowListRaw = append(l.allowListRaw, entries...) }
}

// WithAllowFunc exempts requests for which fn returns true.
func WithAllowFunc(fn func(r *http.Request, key string) bool) Option {
	return func(l *Limiter) { l.allowFunc = fn }
}

// WithErrorResponse overrides the 429/403 status and JSON body.
func WithErrorResponse(fn func(r *http.Request, ec ErrorContext) (int, any)) Option {
	return func(l *Limiter) { l.errorResponse = fn }
}

func WithOnExceeding(fn func(r *http.Request, key string)) Option {
	return func(l *Limiter) { l.OnExceeding = fn }
}

func WithOnExceeded(fn func(r *http.Request, key string)) Option {
	return func(l *Limiter) { l.OnExceeded = fn }
}

func WithOnFirstExceeded(fn func(r *http.Request, key string)) Option {
	return func(l *Limiter) { l.OnFirstExceeded = fn }
}

func WithOnBanReach(fn func(r *http.Request, key string)) Option {
	return func(l *Limiter) { l.OnBanReach = fn }
}

func WithOnDecision(fn func(r *http.Request, d Decision)) Option {
	return func(l *Limiter) { l.OnDecision = fn }
}

func WithOnStoreError(fn func(r *http.Request, err error)) Option {
	return func(l *Limiter) { l.OnStoreError = fn }
}

// New builds a Limiter.
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		max:                   1000,
		window:                time.Minute,
		addHeaders:            Headers{Limit: true, Remaining: true, Reset: true, RetryAfter: true},
		addHeadersOnExceeding: Headers{Limit: true, Remaining: true, Reset: true},
		keyFunc:               clientKey,
		errorResponse:         defaultErrorResponse,
	}
	for _, o := range opts {
		o(l)
	}

	var errs []error
	if l.store == nil {
		errs = append(errs, fmt.Errorf("%w: store is required", ErrInvalidOptions))
	}
	if l.maxFunc == nil && l.max <= 0 {
		errs = append(errs, fmt.Errorf("%w: max must be > 0, got %d", ErrInvalidOptions, l.max))
	}
	if l.window < time.Millisecond {
		errs = append(errs, fmt.Errorf("%w: window must be >= 1ms, got %v", ErrInvalidOptions, l.window))
	}
	if l.ban < 0 {
		errs = append(errs, fmt.Errorf("%w: ban must be >= 0, got %d", ErrInvalidOptions, l.ban))
	}
	if err := l.parseAllowList(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	switch {
	case l.group != "":
		l.store = l.store.Child("group:" + l.group + ":")
	case l.route != "":
		l.store = l.store.Child("route:" + l.route + ":")
	}
	return l, nil
}

func (l *Limiter) parseAllowList() error {
	for _, e := range l.allowListRaw {
		if p, err := netip.ParsePrefix(e); err == nil {
			l.allowList = append(l.allowList, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			l.allowList = append(l.allowList, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		if e == "" {
			return fmt.Errorf("%w: empty allow list entry", ErrInvalidOptions)
		}
		if l.allowKeys == nil {
			l.allowKeys = make(map[string]struct{})
		}
		l.allowKeys[e] = struct{}{}
	}
	return nil
}

// Route is the route label this limiter was built for.
func (l *Limiter) Route() string { return l.route }

func (l *Limiter) allowed(r *http.Request, key string) bool {
	if l.allowFunc != nil && l.allowFunc(r, key) {
		return true
	}
	if _, ok := l.allowKeys[key]; ok {
		return true
	}
	if len(l.allowList) == 0 {
		return false
	}
	a, err := netip.ParseAddr(key)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range l.allowList {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// Check counts r against its key and reports the outcome. A store failure
// is returned wrapped in ErrStore unless SkipOnError is set.
func (l *Limiter) Check(r *http.Request) (Decision, error) {
	key := l.keyFunc(r)
	if l.allowed(r, key) {
		return Decision{Key: key, AllowListed: true}, nil
	}

	limit := l.max
	if l.maxFunc != nil {
		m, err := l.maxFunc(r, key)
		if err != nil {
			return Decision{Key: key}, fmt.Errorf("max for %q: %w", key, err)
		}
		limit = m
	}

	res, err := l.store.Incr(r.Context(), key, l.window, limit, l.continueExceeding)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStore, err)
		if l.OnStoreError != nil {
			l.OnStoreError(r, err)
		}
		if l.skipOnError {
			return Decision{Key: key, Limit: limit, Skipped: true}, nil
		}
		return Decision{Key: key, Limit: limit}, err
	}

	d := Decision{
		Key:       key,
		Limit:     limit,
		Current:   res.Current,
		Remaining: max(0, limit-res.Current),
		TTL:       res.TTL,
		Reset:     ceilSeconds(res.TTL),
	}
	if res.Current > limit {
		d.Exceeded = true
		d.FirstExceeded = res.Current == limit+1
		if l.ban > 0 && res.Current-limit > l.ban {
			d.Banned = true
		}
	}
	return d, nil
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return ((d + time.Second - 1) / time.Second) * time.Second
}

// clientKey uses the IP resolved by httpmw.ClientIP, falling back to the peer address
func clientKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
