package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/throttlegate/internal/httpmw"
)

func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	all := append([]Option{WithStore(NewLocalStore(ctx)), WithRoute("test")}, opts...)
	l, err := New(all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// Client IP is injected via httpmw.WithClientIP, no dependency on the
// ClientIP middleware's XFF parsing or trust logic.
func makeRequestWithIP(handler http.Handler, clientIP string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), clientIP))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestNew_Validation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewLocalStore(ctx)

	tests := []struct {
		name string
		opts []Option
	}{
		{"no store", nil},
		{"zero max", []Option{WithStore(store), WithMax(0)}},
		{"tiny window", []Option{WithStore(store), WithWindow(time.Microsecond)}},
		{"negative ban", []Option{WithStore(store), WithBan(-1)}},
		{"empty allow entry", []Option{WithStore(store), WithAllowList("")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts...); !errors.Is(err, ErrInvalidOptions) {
				t.Fatalf("err = %v, want ErrInvalidOptions", err)
			}
		})
	}

	if _, err := New(WithStore(store), WithMax(0), WithMaxFunc(func(*http.Request, string) (int, error) { return 1, nil })); err != nil {
		t.Fatalf("MaxFunc should stand in for Max: %v", err)
	}
}

func TestMiddleware_HeadersOnAllowed(t *testing.T) {
	h := newTestLimiter(t, WithMax(3)).Middleware(okHandler)

	w := makeRequestWithIP(h, "203.0.113.1")
	if w.Code != http.StatusOK {
		t.Fatalf("got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "3" {
		t.Errorf("limit = %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "2" {
		t.Errorf("remaining = %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Reset"); got != "60" {
		t.Errorf("reset = %q", got)
	}
	if got := w.Header().Get("Retry-After"); got != "" {
		t.Errorf("retry-after on allowed request = %q", got)
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	var reached atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
	})
	h := newTestLimiter(t, WithMax(2)).Middleware(inner)

	makeRequestWithIP(h, "203.0.113.1")
	makeRequestWithIP(h, "203.0.113.1")
	w := makeRequestWithIP(h, "203.0.113.1")

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", w.Code)
	}
	if got := reached.Load(); got != 2 {
		t.Fatalf("inner handler reached %d times, want 2", got)
	}
	if w.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("remaining = %q, never negative", got)
	}

	want := `{"statusCode":429,"error":"Too Many Requests","message":"Rate limit exceeded, retry in 1 minute"}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("body = %s\nwant  %s", got, want)
	}
}

func TestMiddleware_DraftHeaders(t *testing.T) {
	h := newTestLimiter(t, WithMax(1), WithDraftHeaders(true)).Middleware(okHandler)

	w := makeRequestWithIP(h, "203.0.113.1")
	if w.Header().Get("RateLimit-Limit") != "1" || w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("headers = %v", w.Header())
	}
	w = makeRequestWithIP(h, "203.0.113.1")
	if w.Header().Get("RateLimit-Remaining") != "0" || w.Header().Get("Retry-After") == "" {
		t.Fatalf("headers on 429 = %v", w.Header())
	}
}

func TestMiddleware_HeaderToggles(t *testing.T) {
	h := newTestLimiter(t,
		WithMax(1),
		WithHeadersOnExceeding(Headers{}),
		WithHeaders(Headers{RetryAfter: true}),
	).Middleware(okHandler)

	w := makeRequestWithIP(h, "203.0.113.1")
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("headers on allowed request should be off")
	}
	w = makeRequestWithIP(h, "203.0.113.1")
	if w.Header().Get("X-RateLimit-Limit") != "" || w.Header().Get("Retry-After") != "60" {
		t.Fatalf("headers on 429 = %v", w.Header())
	}
}

func TestMiddleware_Ban(t *testing.T) {
	var bans atomic.Int32
	h := newTestLimiter(t, WithMax(1), WithBan(1), WithOnBanReach(func(*http.Request, string) { bans.Add(1) })).Middleware(okHandler)

	codes := []int{}
	for i := 0; i < 4; i++ {
		codes = append(codes, makeRequestWithIP(h, "203.0.113.1").Code)
	}
	want := []int{200, 429, 403, 403}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
	if bans.Load() != 2 {
		t.Fatalf("OnBanReach = %d", bans.Load())
	}

	w := makeRequestWithIP(h, "203.0.113.1")
	var body errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.StatusCode != 403 || body.Error != "Forbidden" {
		t.Fatalf("body = %+v", body)
	}
}

func TestMiddleware_AllowList(t *testing.T) {
	var decisions atomic.Int32
	l := newTestLimiter(t,
		WithMax(1),
		WithAllowList("10.0.0.0/8", "192.0.2.7", "internal-probe"),
		WithOnDecision(func(_ *http.Request, d Decision) {
			if d.AllowListed {
				decisions.Add(1)
			}
		}),
	)
	h := l.Middleware(okHandler)

	for _, ip := range []string{"10.1.2.3", "192.0.2.7", "internal-probe", "::ffff:10.9.9.9"} {
		for i := 0; i < 3; i++ {
			w := makeRequestWithIP(h, ip)
			if w.Code != http.StatusOK {
				t.Fatalf("%s: got %d", ip, w.Code)
			}
			if w.Header().Get("X-RateLimit-Limit") != "" {
				t.Fatalf("%s: allow-listed requests get no headers", ip)
			}
		}
	}
	if decisions.Load() != 12 {
		t.Fatalf("allow-listed decisions = %d", decisions.Load())
	}
	if l.store.(*LocalStore).Len() != 0 {
		t.Fatal("allow-listed requests should not touch the store")
	}

	makeRequestWithIP(h, "192.0.2.8")
	if w := makeRequestWithIP(h, "192.0.2.8"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("non-listed ip got %d", w.Code)
	}
}

func TestMiddleware_AllowFunc(t *testing.T) {
	h := newTestLimiter(t, WithMax(1), WithAllowFunc(func(r *http.Request, key string) bool {
		return r.Header.Get("X-Internal") == "1"
	})).Middleware(okHandler)

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Internal", "1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("got %d", w.Code)
		}
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration, int, bool) (Result, error) {
	return Result{}, errors.New("connection refused")
}

func (f failingStore) Child(string) Store { return f }

func TestMiddleware_StoreError(t *testing.T) {
	var storeErrs atomic.Int32
	onErr := WithOnStoreError(func(_ *http.Request, err error) {
		if errors.Is(err, ErrStore) {
			storeErrs.Add(1)
		}
	})

	strict, err := New(WithStore(failingStore{}), onErr)
	if err != nil {
		t.Fatal(err)
	}
	w := makeRequestWithIP(strict.Middleware(okHandler), "203.0.113.1")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("strict: got %d", w.Code)
	}

	lenient, err := New(WithStore(failingStore{}), WithSkipOnError(true), onErr)
	if err != nil {
		t.Fatal(err)
	}
	w = makeRequestWithIP(lenient.Middleware(okHandler), "203.0.113.1")
	if w.Code != http.StatusOK {
		t.Fatalf("skipOnError: got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("skipped requests get no headers")
	}
	if storeErrs.Load() != 2 {
		t.Fatalf("OnStoreError = %d", storeErrs.Load())
	}
}

func TestCheck_MaxFunc(t *testing.T) {
	l := newTestLimiter(t, WithMaxFunc(func(r *http.Request, key string) (int, error) {
		if key == "203.0.113.9" {
			return 5, nil
		}
		return 1, nil
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(httpmw.WithClientIP(r.Context(), "203.0.113.9"))
	d, err := l.Check(r)
	if err != nil {
		t.Fatal(err)
	}
	if d.Limit != 5 || d.Remaining != 4 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestMiddleware_ExceededHooks(t *testing.T) {
	var exceeding, exceeded, first atomic.Int32
	h := newTestLimiter(t,
		WithMax(1),
		WithOnExceeding(func(*http.Request, string) { exceeding.Add(1) }),
		WithOnExceeded(func(*http.Request, string) { exceeded.Add(1) }),
		WithOnFirstExceeded(func(*http.Request, string) { first.Add(1) }),
	).Middleware(okHandler)

	for i := 0; i < 4; i++ {
		makeRequestWithIP(h, "203.0.113.1")
	}
	if exceeding.Load() != 1 || exceeded.Load() != 3 || first.Load() != 1 {
		t.Fatalf("exceeding=%d exceeded=%d first=%d", exceeding.Load(), exceeded.Load(), first.Load())
	}
}

func TestGroupsShareCounters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewLocalStore(ctx)

	mk := func(route, group string) http.Handler {
		l, err := New(WithStore(store), WithRoute(route), WithGroup(group), WithMax(2))
		if err != nil {
			t.Fatal(err)
		}
		return l.Middleware(okHandler)
	}
	a, b := mk("a", "api"), mk("b", "api")
	c, d := mk("c", ""), mk("d", "")

	makeRequestWithIP(a, "203.0.113.1")
	makeRequestWithIP(b, "203.0.113.1")
	if w := makeRequestWithIP(a, "203.0.113.1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("grouped routes should share a counter, got %d", w.Code)
	}

	makeRequestWithIP(c, "203.0.113.1")
	makeRequestWithIP(c, "203.0.113.1")
	if w := makeRequestWithIP(d, "203.0.113.1"); w.Code != http.StatusOK {
		t.Fatalf("ungrouped routes should not share counters, got %d", w.Code)
	}
}

func TestCustomErrorResponse(t *testing.T) {
	h := newTestLimiter(t, WithMax(1), WithErrorResponse(func(r *http.Request, ec ErrorContext) (int, any) {
		return http.StatusServiceUnavailable, map[string]any{"max": ec.Max, "after": ec.After}
	})).Middleware(okHandler)

	makeRequestWithIP(h, "203.0.113.1")
	w := makeRequestWithIP(h, "203.0.113.1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"after":"1 minute","max":1}` {
		t.Fatalf("body = %s", got)
	}
}

func TestClientKeyFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:4444"
	if got := clientKey(r); got != "198.51.100.4" {
		t.Fatalf("clientKey = %q", got)
	}
}
