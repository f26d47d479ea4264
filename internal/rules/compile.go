package rules

import (
	"time"

	"github.com/keithlinneman/throttlegate/internal/throttle"
)

const (
	DefaultMax    = 1000
	DefaultWindow = time.Minute

	// GlobalPolicy names the policy applied outside every route.
	GlobalPolicy = "global"
)

// RateLimitPolicy is a fully resolved rate limit block.
type RateLimitPolicy struct {
	Enabled           bool
	Max               int
	Window            time.Duration
	Ban               int
	ContinueExceeding bool
	SkipOnError       bool
	DraftHeaders      bool
	AllowList         []string
}

// ThrottlePolicy is a fully resolved throttle block.
type ThrottlePolicy struct {
	// Enabled is derived: not Disabled and at least one rate set.
	Enabled                 bool
	Disabled                bool
	BytesPerSecond          int64
	Burst                   int
	InboundBytesPerSecond   int64
	PerClientBytesPerSecond int64
	Steps                   []throttle.Step
}

// RateFunc returns the response rate, nil when the policy never throttles responses.
func (p ThrottlePolicy) RateFunc() throttle.RateFunc {
	if !p.Enabled || (p.BytesPerSecond <= 0 && len(p.Steps) == 0) {
		return nil
	}
	return throttle.Schedule(p.BytesPerSecond, p.Steps...)
}

// Inbound returns the request body rate, nil when unset.
func (p ThrottlePolicy) Inbound() throttle.RateFunc {
	if !p.Enabled || p.InboundBytesPerSecond <= 0 {
		return nil
	}
	return throttle.Constant(p.InboundBytesPerSecond)
}

// Policy is everything a route needs after merging.
type Policy struct {
	Name      string
	Pattern   string
	Methods   []string
	Group     string
	RateLimit RateLimitPolicy
	Throttle  ThrottlePolicy
}

// Plan is a compiled document.
type Plan struct {
	Global Policy
	Routes []Policy

	// Source labels where the document came from, Hash identifies its content.
	Source string
	Hash   string
}

// Default is the plan used when no rules source is configured.
func Default() *Plan {
	return &Plan{
		Global: Policy{
			Name:      GlobalPolicy,
			Pattern:   "/*",
			RateLimit: RateLimitPolicy{Enabled: true, Max: DefaultMax, Window: DefaultWindow},
		},
		Source: "default",
	}
}

// Compile merges every route over the global block.
func Compile(doc *Document) *Plan {
	global := Policy{
		Name:      GlobalPolicy,
		Pattern:   "/*",
		RateLimit: mergeRateLimit(Default().Global.RateLimit, doc.Global.RateLimit),
		Throttle:  mergeThrottle(ThrottlePolicy{}, doc.Global.Throttle),
	}

	p := &Plan{Global: global, Routes: make([]Policy, 0, len(doc.Routes))}
	for _, r := range doc.Routes {
		p.Routes = append(p.Routes, Policy{
			Name:      r.Name,
			Pattern:   r.Pattern,
			Methods:   append([]string(nil), r.Methods...),
			Group:     r.Group,
			RateLimit: mergeRateLimit(global.RateLimit, r.RateLimit),
			Throttle:  mergeThrottle(global.Throttle, r.Throttle),
		})
	}
	return p
}

func mergeRateLimit(base RateLimitPolicy, r *RateLimitRule) RateLimitPolicy {
	out := base
	out.AllowList = append([]string(nil), base.AllowList...)
	if r == nil {
		return out
	}
	if r.Max != nil {
		out.Max = *r.Max
	}
	if r.Window != nil {
		out.Window = r.Window.Std()
	}
	if r.Ban != nil {
		out.Ban = *r.Ban
	}
	if r.ContinueExceeding != nil {
		out.ContinueExceeding = *r.ContinueExceeding
	}
	if r.SkipOnError != nil {
		out.SkipOnError = *r.SkipOnError
	}
	if r.DraftHeaders != nil {
		out.DraftHeaders = *r.DraftHeaders
	}
	if r.AllowList != nil {
		out.AllowList = append([]string(nil), r.AllowList...)
	}
	if r.Disabled != nil {
		out.Enabled = !*r.Disabled
	}
	return out
}

func mergeThrottle(base ThrottlePolicy, r *ThrottleRule) ThrottlePolicy {
	out := base
	out.Steps = append([]throttle.Step(nil), base.Steps...)
	if r == nil {
		return out
	}
	if r.BytesPerSecond != nil {
		out.BytesPerSecond = *r.BytesPerSecond
	}
	if r.Burst != nil {
		out.Burst = *r.Burst
	}
	if r.InboundBytesPerSecond != nil {
		out.InboundBytesPerSecond = *r.InboundBytesPerSecond
	}
	if r.PerClientBytesPerSecond != nil {
		out.PerClientBytesPerSecond = *r.PerClientBytesPerSecond
	}
	if r.Steps != nil {
		out.Steps = out.Steps[:0]
		for _, s := range r.Steps {
			out.Steps = append(out.Steps, throttle.Step{
				After:          s.After.Std(),
				AfterBytes:     s.AfterBytes,
				BytesPerSecond: s.BytesPerSecond,
			})
		}
	}
	if r.Disabled != nil {
		out.Disabled = *r.Disabled
	}
	out.Enabled = !out.Disabled && (out.BytesPerSecond > 0 || len(out.Steps) > 0 ||
		out.InboundBytesPerSecond > 0 || out.PerClientBytesPerSecond > 0)
	return out
}
