package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/throttlegate/internal/cfg"
	"github.com/keithlinneman/throttlegate/internal/health"
	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/httpserver"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/metrics"
	"github.com/keithlinneman/throttlegate/internal/opshttp"
	"github.com/keithlinneman/throttlegate/internal/otelx"
	"github.com/keithlinneman/throttlegate/internal/prof"
	"github.com/keithlinneman/throttlegate/internal/proxy"
	"github.com/keithlinneman/throttlegate/internal/rules"
	v "github.com/keithlinneman/throttlegate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		_ = v.Print(os.Stdout, vi)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.App,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "proxy")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"upstream_bps", conf.UpstreamBPS,
		"trusted_hops", conf.TrustedHops,
		"rules_source", conf.RulesSource().String(),
		"rules_poll_interval", conf.RulesPollInterval,
		"redis_addr", conf.RedisAddr,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	// Setup metrics first so the profiler can report its state
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.App, "proxy", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.App,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.App,
			"component": "proxy",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildID,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}

	// Setup otel for tracing
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   v.App,
		Component: "proxy",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Load rules, a configured source that can't be read is fatal at startup
	src := conf.RulesSource()
	loader, plan, err := loadRules(ctx, L, src)
	if err != nil {
		L.Error(ctx, err, "failed to load rules", "rules_source", src.String())
		os.Exit(1)
	}
	rulesMgr := rules.NewManager(plan)
	m.SetRulesSource(plan.Source, plan.Hash, rulesMgr.LoadedAt())

	// Shared counters and budgets
	st := newState(ctx, L, conf, m)

	// Upstream reverse proxy
	upstreamURL, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		L.Error(ctx, err, "invalid upstream url")
		os.Exit(1)
	}
	upstream, err := proxy.New(upstreamURL, upstreamOptions(L, conf, m))
	if err != nil {
		L.Error(ctx, err, "failed to create upstream proxy")
		os.Exit(1)
	}

	trusted, err := cfg.ParseTrustedProxies(conf.TrustedProxies)
	if err != nil {
		L.Error(ctx, err, "invalid trusted proxies")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness fails while draining, and when redis is configured but unreachable
	readyProbes := []health.Probe{gate.Probe()}
	if p := st.readiness(); p != nil {
		readyProbes = append(readyProbes, p)
	}
	readiness := health.All(readyProbes...)

	handler, err := httpserver.NewHandler(httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Upstream:     upstream,
		RateStore:    st.store,
		Budget:       st.budget,
		Metrics:      m,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops, TrustedProxies: trusted},
		MaxBodyBytes: conf.MaxBodyBytes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	}, plan)
	if err != nil {
		L.Error(ctx, err, "failed to build proxy handler")
		os.Exit(1)
	}

	// Watch the rules source and rebuild the router on change
	if !src.IsZero() && conf.RulesPollInterval > 0 {
		watcher := rules.NewWatcher(&rules.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Manager:      rulesMgr,
			Source:       src,
			PollInterval: conf.RulesPollInterval,
			Metrics:      m,
			OnSwap: func(p *rules.Plan) {
				if err := handler.Reload(p); err != nil {
					L.Error(ctx, err, "rules reload rejected by router, keeping previous routes")
					m.IncRulesReload("router_error")
					return
				}
				m.SetRulesSource(p.Source, p.Hash, time.Now())
			},
		})
		go func() { _ = watcher.Run(ctx) }()
	}

	// start proxy http server
	proxyHTTPStop, err := httpserver.Start(ctx, L, conf.HTTPPort, handler)
	if err != nil {
		L.Error(ctx, err, "failed to start proxy http listener")
		os.Exit(1)
	}
	defer func() { _ = proxyHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// requests from public addresses are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		OnPanic:     m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Close("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()

	if err := proxyHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "proxy http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	if err := st.close(); err != nil {
		L.Error(context.Background(), err, "redis close")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return conn.Close()
}
