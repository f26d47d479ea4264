package throttle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	DirOut = "out"
	DirIn  = "in"
)

// Config configures Middleware.
type Config struct {
	// BytesPerSecond paces response bodies. Nil with Resolve unset and no
	// Budget leaves responses alone.
	BytesPerSecond RateFunc

	// Resolve picks the response rate per request and overrides
	// BytesPerSecond when it returns a non-nil RateFunc. Errors fail open.
	Resolve func(*http.Request) (RateFunc, error)

	// Inbound paces request bodies.
	Inbound RateFunc

	// Burst caps the credit a paused stream can bank, 0 means one chunk.
	Burst int

	// Budget caps the aggregate response rate of every request sharing a
	// KeyFunc key at BudgetBPS.
	Budget    Budget
	BudgetBPS int64
	KeyFunc   func(*http.Request) string

	Skip func(*http.Request) bool

	// OnWait gets every pause with the request it delayed.
	OnWait        func(r *http.Request, dir string, d time.Duration)
	OnBytes       func(dir string, n int)
	OnStream      func(delta int)
	OnBudgetError func(*http.Request, error)
	OnError       func(*http.Request, error)
}

func (c Config) validate() error {
	if c.BytesPerSecond == nil && c.Resolve == nil && c.Inbound == nil && c.Budget == nil {
		return fmt.Errorf("%w: no rate, resolver, inbound rate or budget configured", ErrInvalidRate)
	}
	if c.Burst < 0 {
		return fmt.Errorf("%w: burst %d is negative", ErrInvalidRate, c.Burst)
	}
	if c.Budget != nil && c.BudgetBPS <= 0 {
		return fmt.Errorf("%w: budget needs a positive bytes per second, got %d", ErrInvalidRate, c.BudgetBPS)
	}
	return nil
}

// Middleware returns the response-send hook: response bodies are written
// through a Writer, request bodies optionally read through a Reader. Headers
// are never delayed.
func Middleware(cfg Config) (func(http.Handler) http.Handler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = remoteHost
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Skip != nil && cfg.Skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			if cfg.Inbound != nil && r.Body != nil && r.Body != http.NoBody {
				body := r.Body
				r.Body = readCloser{Reader: NewReader(ctx, body, cfg.Inbound, cfg.options(r, DirIn)...), c: body}
			}

			out := cfg.BytesPerSecond
			if cfg.Resolve != nil {
				fn, err := cfg.Resolve(r)
				if err != nil {
					// fail open, budget included
					if cfg.OnError != nil {
						cfg.OnError(r, err)
					}
					next.ServeHTTP(w, r)
					return
				}
				if fn != nil {
					out = fn
				}
			}
			if out == nil && cfg.Budget == nil {
				next.ServeHTTP(w, r)
				return
			}

			opts := cfg.options(r, DirOut)
			if cfg.Budget != nil {
				opts = append(opts, WithBudget(cfg.Budget, cfg.KeyFunc(r), cfg.BudgetBPS))
			}
			if cfg.OnStream != nil {
				cfg.OnStream(1)
				defer cfg.OnStream(-1)
			}

			tw := &responseWriter{ResponseWriter: w, body: NewWriter(ctx, w, out, opts...)}
			next.ServeHTTP(tw, r)
		})
	}, nil
}

func (c Config) options(r *http.Request, dir string) []Option {
	opts := make([]Option, 0, 4)
	if c.Burst > 0 {
		opts = append(opts, WithBurst(c.Burst))
	}
	if c.OnWait != nil {
		opts = append(opts, WithOnWait(func(d time.Duration) { c.OnWait(r, dir, d) }))
	}
	if c.OnBytes != nil {
		opts = append(opts, WithOnBytes(func(n int) { c.OnBytes(dir, n) }))
	}
	if c.OnBudgetError != nil {
		opts = append(opts, WithOnBudgetError(func(err error) { c.OnBudgetError(r, err) }))
	}
	return opts
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// responseWriter sends the body through a throttled Writer
type responseWriter struct {
	http.ResponseWriter
	body *Writer
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	return rw.body.Write(b)
}

// support Flush if the underlying writer does.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// KeyFromContext adapts a context value lookup, such as the client IP stored
// by an outer middleware, into a KeyFunc.
func KeyFromContext(fn func(context.Context) string) func(*http.Request) string {
	return func(r *http.Request) string {
		if k := fn(r.Context()); k != "" {
			return k
		}
		return remoteHost(r)
	}
}
