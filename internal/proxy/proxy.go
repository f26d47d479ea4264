// Package proxy forwards requests to the single upstream service.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/throttlegate/internal/httpmw"
	"github.com/keithlinneman/throttlegate/internal/log"
	"github.com/keithlinneman/throttlegate/internal/throttle"
)

type Options struct {
	Logger log.Logger

	// Transport is the base round tripper, default is a clone of
	// http.DefaultTransport instrumented with otelhttp.
	Transport http.RoundTripper

	// UpstreamBPS throttles reading upstream response bodies, 0 disables.
	UpstreamBPS int64
	// OnUpstreamBytes is called with bytes read from a throttled upstream.
	OnUpstreamBytes func(n int)

	// PreserveHost forwards the client's Host header instead of the upstream's.
	PreserveHost bool

	// FlushInterval is passed to httputil.ReverseProxy, -1 flushes every write.
	FlushInterval time.Duration

	// OnError is called for every failed upstream round trip.
	OnError func(r *http.Request, err error)
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// New returns a reverse proxy to upstream.
func New(upstream *url.URL, opts Options) (*httputil.ReverseProxy, error) {
	if upstream == nil || upstream.Host == "" || (upstream.Scheme != "http" && upstream.Scheme != "https") {
		return nil, fmt.Errorf("upstream must be an absolute http(s) URL, got %v", upstream)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	rt := opts.Transport
	if rt == nil {
		rt = otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone())
	}
	if opts.UpstreamBPS > 0 {
		var topts []throttle.Option
		if opts.OnUpstreamBytes != nil {
			topts = append(topts, throttle.WithOnBytes(opts.OnUpstreamBytes))
		}
		var err error
		rt, err = throttle.NewTransport(throttle.Constant(opts.UpstreamBPS), rt, topts...)
		if err != nil {
			return nil, err
		}
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			if opts.PreserveHost {
				pr.Out.Host = pr.In.Host
			}
			// inbound X-Forwarded-* was already stripped by httpmw.ClientIP unless trusted
			pr.SetXForwarded()
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Real-Ip", ip)
			}
			if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
				pr.Out.Header.Set("X-Request-Id", id)
			}
		},
		Transport:     rt,
		FlushInterval: opts.FlushInterval,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			ctx := r.Context()
			if opts.OnError != nil {
				opts.OnError(r, err)
			}
			if errors.Is(err, context.Canceled) {
				// client went away, nothing useful to log at error level
				log.FromContext(ctx).Debug(ctx, "upstream request cancelled", "upstream", upstream.Host)
			} else {
				log.FromContext(ctx).Error(ctx, err, "upstream request failed", "upstream", upstream.Host)
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(errorBody{
				StatusCode: http.StatusBadGateway,
				Error:      "Bad Gateway",
				Message:    "upstream unavailable",
			})
		},
	}, nil
}
