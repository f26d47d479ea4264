package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/metrics"
	"github.com/keithlinneman/throttlegate/internal/opshttp"
	"github.com/keithlinneman/throttlegate/internal/ratelimit"
	"github.com/keithlinneman/throttlegate/internal/rules"
	"github.com/keithlinneman/throttlegate/internal/throttle"
	"github.com/keithlinneman/throttlegate/internal/xerrors"
)

// compressible is what the proxy compresses when the upstream did not.
var compressible = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/javascript",
	"application/javascript",
	"application/json",
	"application/xml",
	"image/svg+xml",
}

// buildRouter turns a plan into a chi router. Routes are registered in
// document order; the global policy answers the catch-all as well as
// unmatched paths and methods.
func buildRouter(plan *rules.Plan, o *Options) (_ *chi.Mux, err error) {
	// chi panics on malformed patterns
	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.Newf("invalid route pattern: %v", rec)
		}
	}()

	r := chi.NewRouter()
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(o.MaxBodyBytes))

	// never limited, load balancers poll these
	r.Get("/-/healthy", opshttp.HealthzHandler(o.Health))
	r.Get("/-/ready", opshttp.ReadyzHandler(o.Readiness))

	catchAll := false
	for _, p := range plan.Routes {
		if rules.Reserved(p.Pattern) {
			return nil, xerrors.Newf("route %q: pattern %q is reserved for health endpoints", p.Name, p.Pattern)
		}
		catchAll = catchAll || p.Pattern == "/*"
		mws, err := policyMiddleware(p, o)
		if err != nil {
			return nil, xerrors.Wrapf(err, "route %q", p.Name)
		}
		rt := r.With(mws...)
		if len(p.Methods) == 0 {
			rt.Handle(p.Pattern, o.Upstream)
			continue
		}
		for _, m := range p.Methods {
			rt.Method(m, p.Pattern, o.Upstream)
		}
	}

	mws, err := policyMiddleware(plan.Global, o)
	if err != nil {
		return nil, xerrors.Wrap(err, "global policy")
	}
	global := httpmw.Chain(o.Upstream, mws...)
	if !catchAll {
		r.Handle("/*", global)
	}
	r.NotFound(global.ServeHTTP)
	r.MethodNotAllowed(global.ServeHTTP)
	return r, nil
}

// policyMiddleware is Rule, rate limit, throttle then compress, so the
// throttle paces the bytes that actually hit the wire.
func policyMiddleware(p rules.Policy, o *Options) ([]func(http.Handler) http.Handler, error) {
	mws := []func(http.Handler) http.Handler{httpmw.Rule(p.Name)}

	if p.RateLimit.Enabled {
		l, err := newLimiter(p, o)
		if err != nil {
			return nil, err
		}
		mws = append(mws, l.Middleware)
	}
	if p.Throttle.Enabled {
		tm, err := newThrottle(p, o)
		if err != nil {
			return nil, err
		}
		if tm != nil {
			mws = append(mws, tm)
		}
	}
	mws = append(mws, middleware.Compress(5, compressible...))
	return mws, nil
}

func newLimiter(p rules.Policy, o *Options) (*ratelimit.Limiter, error) {
	rl := p.RateLimit
	rule := p.Name
	opts := []ratelimit.Option{
		ratelimit.WithStore(o.RateStore),
		ratelimit.WithMax(rl.Max),
		ratelimit.WithWindow(rl.Window),
		ratelimit.WithBan(rl.Ban),
		ratelimit.WithContinueExceeding(rl.ContinueExceeding),
		ratelimit.WithSkipOnError(rl.SkipOnError),
		ratelimit.WithDraftHeaders(rl.DraftHeaders),
		ratelimit.WithAllowList(rl.AllowList...),
		ratelimit.WithOnDecision(func(r *http.Request, d ratelimit.Decision) {
			if !d.Skipped {
				o.Metrics.IncRateLimit(rule, outcome(d))
			}
		}),
		ratelimit.WithOnStoreError(func(r *http.Request, err error) {
			o.Metrics.IncRateLimit(rule, metrics.OutcomeStoreError)
			if rl.SkipOnError {
				ctx := r.Context()
				log.FromContext(ctx).Warn(ctx, "rate limit store failed, request let through", "err", err.Error())
			}
		}),
		ratelimit.WithOnFirstExceeded(func(r *http.Request, key string) {
			ctx := r.Context()
			log.FromContext(ctx).Warn(ctx, "rate limit exceeded", "key", key, "max", rl.Max, "window", rl.Window.String())
		}),
		ratelimit.WithOnBanReach(func(r *http.Request, key string) {
			ctx := r.Context()
			log.FromContext(ctx).Debug(ctx, "banned client rejected", "key", key)
		}),
	}
	// a route in a group shares the group's counters, otherwise routes count
	// separately and the global policy uses the root namespace
	switch {
	case p.Group != "":
		opts = append(opts, ratelimit.WithGroup(p.Group))
	case p.Name != rules.GlobalPolicy:
		opts = append(opts, ratelimit.WithRoute(p.Name))
	}
	return ratelimit.New(opts...)
}

func outcome(d ratelimit.Decision) string {
	switch {
	case d.AllowListed:
		return metrics.OutcomeAllowListed
	case d.Banned:
		return metrics.OutcomeBanned
	case d.Exceeded:
		return metrics.OutcomeLimited
	default:
		return metrics.OutcomeAllowed
	}
}

// newThrottle returns nil when the policy has nothing this deployment can
// enforce, e.g. only a per-client budget and no budget backend.
func newThrottle(p rules.Policy, o *Options) (func(http.Handler) http.Handler, error) {
	tp := p.Throttle
	rule := p.Name
	scope := "route:" + p.Name
	if p.Group != "" {
		scope = "group:" + p.Group
	}

	cfg := throttle.Config{
		BytesPerSecond: tp.RateFunc(),
		Inbound:        tp.Inbound(),
		Burst:          tp.Burst,
		OnWait: func(r *http.Request, dir string, d time.Duration) {
			o.Metrics.ObserveThrottleWait(rule, dir, d)
			httpmw.AddThrottleWait(r.Context(), dir, d)
		},
		OnBytes: func(dir string, n int) {
			o.Metrics.AddThrottledBytes(rule, dir, n)
		},
		OnStream: func(delta int) {
			o.Metrics.AddThrottleStreams(rule, delta)
		},
		OnBudgetError: func(r *http.Request, err error) {
			o.Metrics.IncBudgetError(rule)
			ctx := r.Context()
			log.FromContext(ctx).Debug(ctx, "bandwidth budget unavailable", "err", err.Error())
		},
	}
	if tp.PerClientBytesPerSecond > 0 && o.Budget != nil {
		cfg.Budget = o.Budget
		cfg.BudgetBPS = tp.PerClientBytesPerSecond
		clientKey := throttle.KeyFromContext(httpmw.ClientIPFromContext)
		cfg.KeyFunc = func(r *http.Request) string { return scope + ":" + clientKey(r) }
	}
	if cfg.BytesPerSecond == nil && cfg.Inbound == nil && cfg.Budget == nil {
		return nil, nil
	}
	return throttle.Middleware(cfg)
}

// logBuild reports how a plan was laid out, once per (re)load.
func logBuild(ctx context.Context, L log.Logger, plan *rules.Plan) {
	names := make([]string, 0, len(plan.Routes))
	for _, p := range plan.Routes {
		names = append(names, p.Name)
	}
	L.Info(ctx, "router built",
		"rules_source", plan.Source,
		"rules_hash", plan.Hash,
		"routes", names,
		"global_rate_limit", plan.Global.RateLimit.Enabled,
		"global_throttle", plan.Global.Throttle.Enabled,
	)
}
