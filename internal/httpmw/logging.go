package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/throttlegate/internal/log"
)

const tracerName = "throttlegate/httpmw"

// statusWriter records status and bytes, and times how long writes block on
// the connection. Throttle pacing happens before a write reaches it and is
// read from the request slot instead.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	span     trace.Span
	started  bool
	ttfb     time.Duration
	blocked  time.Duration
	writeErr error
}

func (sw *statusWriter) startSpan() {
	if sw.started {
		return
	}
	sw.started = true
	sw.ttfb = time.Since(sw.reqStart)

	if !trace.SpanFromContext(sw.ctx).IsRecording() {
		return
	}
	_, sw.span = otel.Tracer(tracerName).Start(sw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", sw.ttfb.Seconds())),
	)
}

func (sw *statusWriter) endSpan() {
	if sw.span == nil {
		return
	}
	waitOut, waitIn := ThrottleWaitFromContext(sw.ctx)
	sw.span.SetAttributes(
		attribute.Int("http.response.status_code", sw.code()),
		attribute.Int64("http.response.body.size", sw.bytes),
		attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
		attribute.Float64("throttlegate.throttle.wait_seconds", waitOut.Seconds()),
		attribute.Float64("throttlegate.throttle.inbound_wait_seconds", waitIn.Seconds()),
	)
	if sw.writeErr != nil {
		sw.span.RecordError(sw.writeErr)
		sw.span.SetStatus(codes.Error, sw.writeErr.Error())
	}
	sw.span.End()
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.startSpan()
	if sw.status == 0 {
		sw.status = code
	}
	start := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(start)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.startSpan()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	start := time.Now()
	n, err := sw.ResponseWriter.Write(b)
	sw.blocked += time.Since(start)
	sw.bytes += int64(n)
	if err != nil && sw.writeErr == nil {
		sw.writeErr = err
	}
	return n, err
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the connection.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// WithLogger stores a request-scoped logger carrying request_id, client and
// peer addresses, method and path. Query strings and user agents stay out.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)
			client := ClientIPFromContext(ctx)
			peer := r.RemoteAddr
			if h, _, err := net.SplitHostPort(peer); err == nil {
				peer = h
			}
			scheme := schemeOf(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			l := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, l)))
		})
	}
}

// AccessLog writes one record per request after the handler returns. Health
// endpoints are skipped.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r = r.WithContext(WithRuleSlot(r.Context()))
			sw := &statusWriter{ResponseWriter: w, ctx: r.Context(), reqStart: start}

			next.ServeHTTP(sw, r)
			sw.endSpan()

			if r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready" {
				return
			}
			ctx := r.Context()
			kv := []any{
				"http.response.status_code", sw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.server.write.block_seconds", sw.blocked.Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", RoutePattern(r),
			}
			if rule := RuleFromContext(ctx); rule != "" {
				kv = append(kv, "rule", rule)
			}
			if waitOut, waitIn := ThrottleWaitFromContext(ctx); waitOut > 0 || waitIn > 0 {
				kv = append(kv,
					"throttle.wait_seconds", waitOut.Seconds(),
					"throttle.inbound_wait_seconds", waitIn.Seconds(),
				)
			}
			if sw.writeErr != nil {
				kv = append(kv, "write_error", sw.writeErr.Error())
			}
			log.FromContext(ctx).Info(ctx, "http request", kv...)
		})
	}
}

// schemeOf trusts X-Forwarded-Proto only because ClientIP strips it from
// untrusted peers.
func schemeOf(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		s, _, _ := strings.Cut(xf, ",")
		switch s = strings.ToLower(strings.TrimSpace(s)); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
