package httpserver

import (
	"net/http"
	"time"

	"github.com/keithlinneman/throttlegate/internal/health"
	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/ratelimit"
	"github.com/keithlinneman/throttlegate/internal/throttle"
)

// Metrics receives per-rule rate limit and throttle observations.
// *metrics.ServerMetrics satisfies it.
type Metrics interface {
	IncRateLimit(rule, outcome string)
	AddThrottledBytes(rule, dir string, n int)
	ObserveThrottleWait(rule, dir string, d time.Duration)
	AddThrottleStreams(rule string, delta int)
	IncBudgetError(rule string)
}

type Options struct {
	Logger log.Logger
	Port   int

	// Upstream serves every request that passes the limits, normally the proxy.
	Upstream http.Handler

	// RateStore holds fixed window counters, shared by every limiter and
	// kept across rule reloads.
	RateStore ratelimit.Store
	// Budget backs per_client_bytes_per_second, nil disables it.
	Budget throttle.Budget

	Metrics   Metrics
	MetricsMW func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	ClientIPOpts httpmw.ClientIPOptions
	MaxBodyBytes int64

	UseRecoverMW bool
	OnPanic      func()
}

type nopMetrics struct{}

func (nopMetrics) IncRateLimit(string, string) {}
func (nopMetrics) AddThrottledBytes(string, string, int) {}
func (nopMetrics) ObserveThrottleWait(string, string, time.Duration) {}
func (nopMetrics) AddThrottleStreams(string, int) {}
func (nopMetrics) IncBudgetError(string) {}
