package httpmw

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/throttle"
)

// captureLogger records every call, With returns the same recorder with the
// fields accumulated.
type captureLogger struct {
	mu     sync.Mutex
	fields []any
	infos  []entry
	errs   []entry
}

type entry struct {
	msg string
	err error
	kv  []any
}

func (c *captureLogger) With(kv ...any) log.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields = append(c.fields, kv...)
	return c
}
func (c *captureLogger) Debug(context.Context, string, ...any) {}
func (c *captureLogger) Warn(context.Context, string, ...any)  {}
func (c *captureLogger) Info(_ context.Context, msg string, kv ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, entry{msg: msg, kv: kv})
}
func (c *captureLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, entry{msg: msg, err: err, kv: kv})
}
func (c *captureLogger) Sync() error { return nil }

func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func TestWithLoggerAndAccessLog(t *testing.T) {
	cl := &captureLogger{}
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.With(Rule("downloads")).Get("/files/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "hello")
	})
	h := Chain(r, RequestID(""), ClientIP, WithLogger(cl))

	req := httptest.NewRequest(http.MethodGet, "/files/a.bin?secret=1", nil)
	req.RemoteAddr = "203.0.113.4:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if len(cl.infos) != 1 {
		t.Fatalf("infos = %d", len(cl.infos))
	}
	kv := cl.infos[0].kv
	if v, _ := field(kv, "http.response.status_code"); v != http.StatusTeapot {
		t.Errorf("status = %v", v)
	}
	if v, _ := field(kv, "http.response.body.size"); v != int64(5) {
		t.Errorf("size = %v", v)
	}
	if v, _ := field(kv, "http.route"); v != "/files/{name}" {
		t.Errorf("route = %v", v)
	}
	if v, _ := field(kv, "rule"); v != "downloads" {
		t.Errorf("rule = %v", v)
	}
	if v, _ := field(cl.fields, "client.address"); v != "203.0.113.4" {
		t.Errorf("client.address = %v", v)
	}
	for i := 0; i < len(cl.fields); i += 2 {
		if s, ok := cl.fields[i+1].(string); ok && strings.Contains(s, "secret") {
			t.Errorf("query leaked into %v", cl.fields[i])
		}
	}
}

func TestAccessLog_SkipsHealth(t *testing.T) {
	cl := &captureLogger{}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), WithLogger(cl), AccessLog())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if len(cl.infos) != 0 {
		t.Fatalf("health request logged: %+v", cl.infos)
	}
}

func TestSchemeOf(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if schemeOf(r) != "http" {
		t.Fatal("default scheme")
	}
	r.Header.Set("X-Forwarded-Proto", "HTTPS, http")
	if schemeOf(r) != "https" {
		t.Fatal("forwarded scheme")
	}
	r.Header.Set("X-Forwarded-Proto", "javascript")
	if schemeOf(r) != "http" {
		t.Fatal("unknown forwarded scheme should be ignored")
	}
}

// throttledRoute serves size bytes paced at 100 KiB/s and records waits in the slot.
func throttledRoute(t *testing.T, size int) http.Handler {
	t.Helper()
	mw, err := throttle.Middleware(throttle.Config{
		BytesPerSecond: throttle.Constant(100 << 10),
		OnWait: func(r *http.Request, dir string, d time.Duration) {
			AddThrottleWait(r.Context(), dir, d)
		},
	})
	if err != nil {
		t.Fatalf("throttle.Middleware: %v", err)
	}
	body := bytes.Repeat([]byte("z"), size)
	return Rule("downloads")(mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})))
}

func TestAccessLog_ThrottleWait(t *testing.T) {
	cl := &captureLogger{}
	h := Chain(throttledRoute(t, 30<<10), WithLogger(cl), AccessLog())

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/a.bin", nil))
	if w.Body.Len() != 30<<10 {
		t.Fatalf("body = %d bytes", w.Body.Len())
	}

	if len(cl.infos) != 1 {
		t.Fatalf("infos = %d", len(cl.infos))
	}
	kv := cl.infos[0].kv
	wait, ok := field(kv, "throttle.wait_seconds")
	if !ok {
		t.Fatalf("throttle.wait_seconds missing: %v", kv)
	}
	if s := wait.(float64); s < 0.1 {
		t.Fatalf("throttle.wait_seconds = %v, want the pacing of 30KiB at 100KiB/s", s)
	}
	if v, _ := field(kv, "throttle.inbound_wait_seconds"); v != float64(0) {
		t.Fatalf("throttle.inbound_wait_seconds = %v", v)
	}
	// the connection itself never blocked, pacing is not reported as such
	if v, _ := field(kv, "http.server.write.block_seconds"); v.(float64) >= wait.(float64) {
		t.Fatalf("block_seconds %v should not include throttle wait %v", v, wait)
	}
}

func TestAccessLog_NoThrottleFields(t *testing.T) {
	cl := &captureLogger{}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}), WithLogger(cl), AccessLog())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if len(cl.infos) != 1 {
		t.Fatalf("infos = %d", len(cl.infos))
	}
	if _, ok := field(cl.infos[0].kv, "throttle.wait_seconds"); ok {
		t.Fatal("unthrottled request logged a throttle wait")
	}
}

func TestAccessLog_ResponseWriteSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		tp.Shutdown(context.Background())
	})

	ctx, server := tp.Tracer("test").Start(context.Background(), "GET /files/a.bin")
	h := Chain(throttledRoute(t, 30<<10), WithLogger(log.Nop()), AccessLog())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/files/a.bin", nil).WithContext(ctx))
	server.End()

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "response.write" {
			continue
		}
		found = true
		attrs := map[string]float64{}
		for _, kv := range s.Attributes() {
			attrs[string(kv.Key)] = kv.Value.AsFloat64()
		}
		if attrs["throttlegate.throttle.wait_seconds"] < 0.1 {
			t.Fatalf("span wait = %v, attrs %v", attrs["throttlegate.throttle.wait_seconds"], attrs)
		}
		if attrs["http.server.write.block_seconds"] >= attrs["throttlegate.throttle.wait_seconds"] {
			t.Fatalf("block_seconds includes pacing: %v", attrs)
		}
	}
	if !found {
		t.Fatal("response.write span not recorded")
	}
}
