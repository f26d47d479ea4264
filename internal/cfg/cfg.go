// Package cfg binds process configuration to flags and THROTTLEGATE_*
// environment variables.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/rules"
)

// EnvPrefix is prepended to upper-cased flag names, "redis-addr" reads
// THROTTLEGATE_REDIS_ADDR.
const EnvPrefix = "THROTTLEGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort    int
	AdminPort   int
	EnablePprof bool

	EnableTracing bool
	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	UpstreamURL          string
	UpstreamBPS          int64
	UpstreamPreserveHost bool
	TrustedHops          int
	TrustedProxies       string
	MaxBodyBytes         int64

	RulesFile         string
	RulesSSMParam     string
	RulesS3URI        string
	RulesPollInterval time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DrainPeriod     time.Duration
	ShutdownTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "proxy listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "Use plaintext gRPC to the OTLP endpoint")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "upstream base URL to proxy to (http or https)")
	fs.Int64Var(&c.UpstreamBPS, "upstream-bps", 0, "throttle reads from the upstream to this many bytes/s (0 disables)")
	fs.BoolVar(&c.UpstreamPreserveHost, "upstream-preserve-host", false, "forward the client Host header instead of the upstream host")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front, 0 ignores X-Forwarded-For")
	fs.StringVar(&c.TrustedProxies, "trusted-proxies", "", "comma separated CIDRs allowed to set X-Forwarded-For (default private ranges)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 10<<20, "max request body size in bytes (0 disables)")

	fs.StringVar(&c.RulesFile, "rules-file", "", "rules document path")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "", "ssm parameter holding the rules document")
	fs.StringVar(&c.RulesS3URI, "rules-s3-uri", "", "s3://bucket/key of the rules document")
	fs.DurationVar(&c.RulesPollInterval, "rules-poll-interval", rules.DefaultPollInterval, "how often to check the rules source for changes (0 disables)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for shared counters and budgets (empty keeps state in-process)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database (0..15)")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "throttlegate-", "key prefix for redis counters and budgets")

	fs.DurationVar(&c.DrainPeriod, "drain-period", 10*time.Second, "time between failing readiness and stopping the listeners")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "max time to wait for in-flight requests after draining")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value overrides env %s", f.Name, key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// RulesSource returns the configured rules source, zero when none is set.
func (c App) RulesSource() rules.Source {
	return rules.Source{File: c.RulesFile, SSMParam: c.RulesSSMParam, S3URI: c.RulesS3URI}
}

// ParseTrustedProxies parses the comma separated CIDR list. Bare addresses
// are taken as single-host prefixes.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if p, err := netip.ParsePrefix(part); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q is neither an address nor a CIDR", part)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.UpstreamURL == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL is required"))
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an absolute http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.UpstreamBPS < 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_BPS must be >= 0 (got %d)", c.UpstreamBPS))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops))
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes))
	}

	set := 0
	for _, v := range []string{c.RulesFile, c.RulesSSMParam, c.RulesS3URI} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		errs = append(errs, fmt.Errorf("at most one of RULES_FILE, RULES_SSM_PARAM, RULES_S3_URI may be set"))
	}
	if c.RulesS3URI != "" {
		if _, _, err := rules.ParseS3URI(c.RulesS3URI); err != nil {
			errs = append(errs, fmt.Errorf("invalid RULES_S3_URI: %w", err))
		}
	}
	if c.RulesPollInterval < 0 {
		errs = append(errs, fmt.Errorf("RULES_POLL_INTERVAL must be >= 0 (got %s)", c.RulesPollInterval))
	}

	if c.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be 0..15 (got %d)", c.RedisDB))
	}

	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0 (got %s)", c.ShutdownTimeout))
	}

	return errors.Join(errs...)
}
