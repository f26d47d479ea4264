package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// sampledContext carries a valid, non-recording span context.
func sampledContext() context.Context {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceResponseHeaders(t *testing.T) {
	_, noopSpan := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "noop")

	tests := []struct {
		name       string
		ctx        context.Context
		traceH     string
		spanH      string
		wantTraceH string
		wantSpanH  string
		wantTrace  string
		wantSpan   string
	}{
		{"valid span", sampledContext(), "X-Trace-Id", "X-Span-Id", "X-Trace-Id", "X-Span-Id", "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7"},
		{"default names", sampledContext(), "", "", "X-Trace-Id", "X-Span-Id", "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7"},
		{"custom names", sampledContext(), "X-Gate-Trace", "X-Gate-Span", "X-Gate-Trace", "X-Gate-Span", "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7"},
		{"no span", context.Background(), "", "", "X-Trace-Id", "X-Span-Id", "", ""},
		{"noop span", trace.ContextWithSpan(context.Background(), noopSpan), "", "", "X-Trace-Id", "X-Span-Id", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := TraceResponseHeaders(tt.traceH, tt.spanH)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(tt.ctx))

			if !called {
				t.Fatal("next handler not called")
			}
			if got := rec.Header().Get(tt.wantTraceH); got != tt.wantTrace {
				t.Errorf("%s = %q, want %q", tt.wantTraceH, got, tt.wantTrace)
			}
			if got := rec.Header().Get(tt.wantSpanH); got != tt.wantSpan {
				t.Errorf("%s = %q, want %q", tt.wantSpanH, got, tt.wantSpan)
			}
		})
	}
}
