package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/rules"
	"github.com/keithlinneman/throttlegate/internal/xerrors"
)

// Handler is the site handler. The router inside is rebuilt from each new
// rules plan and swapped atomically, in-flight requests finish on the old one.
type Handler struct {
	opts   Options
	router atomic.Pointer[chi.Mux]
	outer  http.Handler
	mu     sync.Mutex
}

// NewHandler builds the middleware stack around a router for plan.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts Options, plan *rules.Plan) (*Handler, error) {
	if opts.Upstream == nil {
		return nil, xerrors.New("httpserver: upstream handler is required")
	}
	if opts.RateStore == nil {
		return nil, xerrors.New("httpserver: rate limit store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if plan == nil {
		plan = rules.Default()
	}

	h := &Handler{opts: opts}
	if err := h.Reload(plan); err != nil {
		return nil, err
	}
	h.outer = h.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.router.Load().ServeHTTP(w, r)
	}))
	return h, nil
}

// Reload builds a router for plan and swaps it in. On error the previous
// router keeps serving.
func (h *Handler) Reload(plan *rules.Plan) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, err := buildRouter(plan, &h.opts)
	if err != nil {
		return xerrors.Wrapf(err, "build router for rules %s", plan.Source)
	}
	h.router.Store(r)
	logBuild(context.Background(), h.opts.Logger, plan)
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.outer.ServeHTTP(w, r)
}

// wrap applies the outer middleware, outermost first: recover, request ID,
// client IP, otelhttp, trace headers, metrics, request logger.
func (h *Handler) wrap(next http.Handler) http.Handler {
	o := h.opts

	var recoverMW httpmw.Middleware
	if o.UseRecoverMW {
		recoverMW = httpmw.Recover(o.Logger, o.OnPanic)
	}

	tracing := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !strings.HasPrefix(r.URL.Path, "/-/")
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute renames it to the matched pattern
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}

	return httpmw.Chain(next,
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(o.ClientIPOpts),
		tracing,
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		o.MetricsMW,
		httpmw.WithLogger(o.Logger),
	)
}

const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

// NewServer leaves ReadTimeout and WriteTimeout unset, a throttled body may
// take longer than any fixed deadline.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start serves handler on port and returns stop(ctx) for graceful shutdown.
// stop waits for in-flight requests until ctx ends.
func Start(ctx context.Context, L log.Logger, port int, handler http.Handler) (func(context.Context) error, error) {
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.EnsureTrace(err)
	}

	go func() {
		L.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			retErr = srv.Shutdown(sctx)
			if retErr != nil {
				// throttled downloads can outlive the drain, cut them off
				_ = srv.Close()
			}
		})
		return retErr
	}
	return stop, nil
}
