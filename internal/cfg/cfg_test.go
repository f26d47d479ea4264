package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func newTestConfig(t *testing.T, args []string) (App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func validConfig(t *testing.T) App {
	t.Helper()
	c, _ := newTestConfig(t, []string{"-upstream-url", "http://127.0.0.1:3000"})
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)

	if !c.LogJSON || c.LogLevel != "info" {
		t.Errorf("log defaults: json=%v level=%q", c.LogJSON, c.LogLevel)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 {
		t.Errorf("ports = %d/%d", c.HTTPPort, c.AdminPort)
	}
	if c.MaxBodyBytes != 10<<20 {
		t.Errorf("MaxBodyBytes = %d", c.MaxBodyBytes)
	}
	if c.RulesPollInterval != 30*time.Second || c.DrainPeriod != 10*time.Second {
		t.Errorf("durations: poll=%s drain=%s", c.RulesPollInterval, c.DrainPeriod)
	}
	if c.RedisPrefix != "throttlegate-" || c.RedisAddr != "" {
		t.Errorf("redis defaults: %q %q", c.RedisPrefix, c.RedisAddr)
	}
	if !c.RulesSource().IsZero() {
		t.Error("no rules source by default")
	}
}

func TestFillFromEnv(t *testing.T) {
	t.Setenv("THROTTLEGATE_REDIS_ADDR", "redis:6379")
	t.Setenv("THROTTLEGATE_HTTP_PORT", "8181")
	t.Setenv("THROTTLEGATE_REDIS_DB", "not-a-number")
	t.Setenv("THROTTLEGATE_DRAIN_PERIOD", "2s")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port", "9090"}); err != nil {
		t.Fatal(err)
	}
	var msgs []string
	FillFromEnv(fs, EnvPrefix, func(f string, a ...any) { msgs = append(msgs, f) })

	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.HTTPPort != 9090 {
		t.Errorf("cli should beat env, HTTPPort = %d", c.HTTPPort)
	}
	if c.RedisDB != 0 {
		t.Errorf("invalid env should keep default, RedisDB = %d", c.RedisDB)
	}
	if c.DrainPeriod != 2*time.Second {
		t.Errorf("DrainPeriod = %s", c.DrainPeriod)
	}
	if len(msgs) != 2 {
		t.Errorf("log messages = %v", msgs)
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(validConfig(t)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"missing upstream", func(c *App) { c.UpstreamURL = "" }, "UPSTREAM_URL is required"},
		{"relative upstream", func(c *App) { c.UpstreamURL = "/api" }, "absolute http(s)"},
		{"ftp upstream", func(c *App) { c.UpstreamURL = "ftp://host" }, "absolute http(s)"},
		{"same ports", func(c *App) { c.AdminPort = c.HTTPPort }, "must differ"},
		{"bad port", func(c *App) { c.HTTPPort = 70000 }, "HTTP_PORT"},
		{"bad level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"sample range", func(c *App) { c.TraceSample = 2 }, "TRACE_SAMPLE"},
		{"tracing no endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT required"},
		{"pyroscope no tenant", func(c *App) { c.EnablePyroscope = true; c.PyroServer = "http://p:4040" }, "PYRO_TENANT"},
		{"two rules sources", func(c *App) { c.RulesFile = "/r.yaml"; c.RulesSSMParam = "/p" }, "at most one"},
		{"bad s3 uri", func(c *App) { c.RulesS3URI = "https://bucket/key" }, "RULES_S3_URI"},
		{"redis db", func(c *App) { c.RedisDB = 16 }, "REDIS_DB"},
		{"redis addr", func(c *App) { c.RedisAddr = "redis" }, "REDIS_ADDR"},
		{"trusted proxies", func(c *App) { c.TrustedProxies = "10.0.0.0/8, nope" }, "TRUSTED_PROXIES"},
		{"negative bps", func(c *App) { c.UpstreamBPS = -1 }, "UPSTREAM_BPS"},
		{"shutdown timeout", func(c *App) { c.ShutdownTimeout = 0 }, "SHUTDOWN_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(&c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate_CollectsAll(t *testing.T) {
	c := validConfig(t)
	c.UpstreamURL = ""
	c.RedisDB = -1
	err := Validate(c)
	if err == nil || !strings.Contains(err.Error(), "UPSTREAM_URL") || !strings.Contains(err.Error(), "REDIS_DB") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies(" 10.0.0.0/8, 192.0.2.7 ,, 2001:db8::/32")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.7/32", "2001:db8::/32"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if p, err := ParseTrustedProxies(""); err != nil || len(p) != 0 {
		t.Fatalf("empty = %v, %v", p, err)
	}
}
