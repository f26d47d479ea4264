package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/throttlegate/internal/version"
)

// Rate limit outcomes used as the "outcome" label.
const (
	OutcomeAllowed     = "allowed"
	OutcomeLimited     = "limited"
	OutcomeBanned      = "banned"
	OutcomeAllowListed = "allow_listed"
	OutcomeStoreError  = "store_error"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDecisions *prometheus.CounterVec
	ratelimitCapacity  prometheus.Counter

	throttleBytes        *prometheus.CounterVec
	throttleWait         *prometheus.HistogramVec
	throttleStreams      *prometheus.GaugeVec
	throttleBudgetErrors *prometheus.CounterVec

	upstreamErrors *prometheus.CounterVec

	rulesReloads  *prometheus.CounterVec
	rulesSource   *prometheus.GaugeVec
	rulesLoadedTs prometheus.Gauge

	profilingActive prometheus.Gauge
}

// New returns a private registry with Go and process collectors plus the
// proxy metrics. Labels are limited to method, route pattern, status and
// small enums so client paths never become label values.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Request latency by method and route, including time spent throttled",
			// throttled downloads run long, the top buckets cover them
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 12),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by rule and outcome",
		}, []string{"rule", "outcome"}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_store_capacity_reached_total",
			Help: "Times the in-process rate limit store hit its key capacity",
		}),
		throttleBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_bytes_total",
			Help: "Bytes passed through throttled streams by rule and direction",
		}, []string{"rule", "direction"}),
		throttleWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "throttle_wait_seconds",
			Help:    "Time a single chunk waited for pacing by rule and direction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"rule", "direction"}),
		throttleStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "throttle_active_streams",
			Help: "Throttled streams currently open by rule",
		}, []string{"rule"}),
		throttleBudgetErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throttle_budget_errors_total",
			Help: "Shared bandwidth budget failures by rule, the stream continues unbudgeted",
		}, []string{"rule"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_errors_total",
			Help: "Failed upstream round trips by rule",
		}, []string{"rule"}),
		rulesReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_reloads_total",
			Help: "Rules watcher polls by result",
		}, []string{"result"}),
		rulesSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rules_source_info",
			Help: "Active rules document (labels carry identity, value is always 1)",
		}, []string{"source", "sha256"}),
		rulesLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active rules were loaded",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDecisions,
		m.ratelimitCapacity,
		m.throttleBytes,
		m.throttleWait,
		m.throttleStreams,
		m.throttleBudgetErrors,
		m.upstreamErrors,
		m.rulesReloads,
		m.rulesSource,
		m.rulesLoadedTs,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimit(rule, outcome string) {
	m.ratelimitDecisions.WithLabelValues(rule, outcome).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacity.Inc()
}

func (m *ServerMetrics) AddThrottledBytes(rule, dir string, n int) {
	m.throttleBytes.WithLabelValues(rule, dir).Add(float64(n))
}

func (m *ServerMetrics) ObserveThrottleWait(rule, dir string, d time.Duration) {
	m.throttleWait.WithLabelValues(rule, dir).Observe(d.Seconds())
}

func (m *ServerMetrics) AddThrottleStreams(rule string, delta int) {
	m.throttleStreams.WithLabelValues(rule).Add(float64(delta))
}

func (m *ServerMetrics) IncBudgetError(rule string) {
	m.throttleBudgetErrors.WithLabelValues(rule).Inc()
}

func (m *ServerMetrics) IncUpstreamError(rule string) {
	m.upstreamErrors.WithLabelValues(rule).Inc()
}

// IncRulesReload satisfies rules.WatcherMetrics.
func (m *ServerMetrics) IncRulesReload(result string) {
	m.rulesReloads.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) SetRulesSource(source, sha256 string, loadedAt time.Time) {
	m.rulesSource.Reset()
	m.rulesSource.WithLabelValues(source, sha256).Set(1)
	m.rulesLoadedTs.Set(float64(loadedAt.Unix()))
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// RegisterRedisPool exports connection pool gauges read at scrape time.
func (m *ServerMetrics) RegisterRedisPool(stats func() *redis.PoolStats) {
	gauge := func(name, help string, pick func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			if s := stats(); s != nil {
				return float64(pick(s))
			}
			return 0
		})
	}
	m.reg.MustRegister(
		gauge("redis_pool_total_conns", "Connections in the Redis pool", func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		gauge("redis_pool_idle_conns", "Idle connections in the Redis pool", func(s *redis.PoolStats) uint32 { return s.IdleConns }),
		gauge("redis_pool_hits", "Times a free connection was found in the pool", func(s *redis.PoolStats) uint32 { return s.Hits }),
		gauge("redis_pool_misses", "Times a free connection was not found in the pool", func(s *redis.PoolStats) uint32 { return s.Misses }),
		gauge("redis_pool_timeouts", "Times a wait for a pool connection timed out", func(s *redis.PoolStats) uint32 { return s.Timeouts }),
	)
}
