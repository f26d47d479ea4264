package httpmw

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/throttle"
)

// requestSlot is shared by pointer so AccessLog, which runs outside the
// route, can read what the route's middleware recorded inside it.
type requestSlot struct {
	rule string

	// nanoseconds spent pacing, request bodies are read on the proxy
	// transport's goroutine
	waitOut atomic.Int64
	waitIn  atomic.Int64
}

type slotKey struct{}

// WithRuleSlot reserves a slot for the matched rule name and throttle waits
// unless one exists.
func WithRuleSlot(ctx context.Context) context.Context {
	if _, ok := ctx.Value(slotKey{}).(*requestSlot); ok {
		return ctx
	}
	return context.WithValue(ctx, slotKey{}, &requestSlot{})
}

func slotFrom(ctx context.Context) *requestSlot {
	s, _ := ctx.Value(slotKey{}).(*requestSlot)
	return s
}

func RuleFromContext(ctx context.Context) string {
	if s := slotFrom(ctx); s != nil {
		return s.rule
	}
	return ""
}

// AddThrottleWait records time a throttle held the request in dir
// (throttle.DirOut or throttle.DirIn). Without a slot it is dropped.
func AddThrottleWait(ctx context.Context, dir string, d time.Duration) {
	s := slotFrom(ctx)
	if s == nil || d <= 0 {
		return
	}
	if dir == throttle.DirIn {
		s.waitIn.Add(int64(d))
		return
	}
	s.waitOut.Add(int64(d))
}

// ThrottleWaitFromContext returns the pacing time recorded so far for the
// response and request bodies.
func ThrottleWaitFromContext(ctx context.Context) (out, in time.Duration) {
	s := slotFrom(ctx)
	if s == nil {
		return 0, 0
	}
	return time.Duration(s.waitOut.Load()), time.Duration(s.waitIn.Load())
}

// Rule tags the request with the matched rule name in the logger, the span
// and the context.
func Rule(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRuleSlot(r.Context())
			slotFrom(ctx).rule = name

			ctx = log.WithContext(ctx, log.FromContext(ctx).With("rule", name))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("throttlegate.rule", name))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
