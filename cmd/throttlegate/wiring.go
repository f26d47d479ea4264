package main

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/throttlegate/internal/cfg"
	"github.com/keithlinneman/throttlegate/internal/health"
	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/metrics"
	"github.com/keithlinneman/throttlegate/internal/proxy"
	"github.com/keithlinneman/throttlegate/internal/ratelimit"
	"github.com/keithlinneman/throttlegate/internal/redisx"
	"github.com/keithlinneman/throttlegate/internal/rules"
	"github.com/keithlinneman/throttlegate/internal/throttle"
)

// redisProbeTimeout bounds the readiness ping so a hung redis can't stall /readyz.
const redisProbeTimeout = time.Second

// state holds the counter store and bandwidth budget shared by every rule.
type state struct {
	store  ratelimit.Store
	budget throttle.Budget
	// redis is nil when state is kept in-process
	redis *redisx.Client
}

// readiness returns the redis probe, or nil when there is no redis.
func (s state) readiness() health.Probe {
	if s.redis == nil {
		return nil
	}
	return health.Named("redis", health.Timeout(redisProbeTimeout, health.CheckFunc(s.redis.Ping)))
}

func (s state) close() error {
	if s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

// newState picks redis backed state when an address is configured, in-process otherwise.
func newState(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) state {
	if conf.RedisAddr == "" {
		L.Info(ctx, "using in-process rate limit counters and budgets")
		return state{
			store: ratelimit.NewLocalStore(ctx,
				ratelimit.WithOnCapacity(func() {
					m.IncRateLimitCapacity()
					L.Warn(ctx, "rate limit store capacity reached, evicting the soonest expiring key")
				}),
			),
			budget: throttle.NewLocalBudget(ctx),
		}
	}

	rc := redisx.New(redisx.Options{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	})
	m.RegisterRedisPool(rc.PoolStats)

	// a failed ping is not fatal, the stores fail open and readiness reports it
	if err := rc.Ping(ctx); err != nil {
		L.Warn(ctx, "redis not reachable at startup", "redis_addr", conf.RedisAddr, "error", err)
	}
	L.Info(ctx, "using redis for rate limit counters and budgets",
		"redis_addr", conf.RedisAddr,
		"redis_db", conf.RedisDB,
		"redis_prefix", conf.RedisPrefix,
	)
	return state{
		store:  ratelimit.NewRedisStore(rc.Scripter(), ratelimit.WithNamespace(conf.RedisPrefix+"rate-limit-")),
		budget: throttle.NewRedisBudget(rc.Scripter(), throttle.WithBudgetPrefix(conf.RedisPrefix+"bw-")),
		redis:  rc,
	}
}

// loadRules returns the loader and the startup plan. With no source
// configured the built-in default plan is used. A source that can't be
// loaded at startup is fatal, there is nothing safe to fall back to.
func loadRules(ctx context.Context, L log.Logger, src rules.Source) (*rules.Loader, *rules.Plan, error) {
	opts := rules.LoaderOptions{Logger: L}
	if src.SSMParam != "" || src.S3URI != "" {
		ssmClient, s3Client, err := rules.NewAWSClients(ctx)
		if err != nil {
			return nil, nil, err
		}
		opts.SSM, opts.S3 = ssmClient, s3Client
	}
	loader := rules.NewLoader(opts)

	plan, err := loader.Load(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	return loader, plan, nil
}

// upstreamOptions reports upstream pacing as inbound bytes of the "upstream" rule.
func upstreamOptions(L log.Logger, conf cfg.App, m *metrics.ServerMetrics) proxy.Options {
	return proxy.Options{
		Logger:       L,
		UpstreamBPS:  conf.UpstreamBPS,
		PreserveHost: conf.UpstreamPreserveHost,
		OnUpstreamBytes: func(n int) {
			m.AddThrottledBytes("upstream", throttle.DirIn, n)
		},
		OnError: func(r *http.Request, _ error) {
			m.IncUpstreamError(httpmw.RuleFromContext(r.Context()))
		},
	}
}
