package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls when X-Forwarded-For is believed.
type ClientIPOptions struct {
	// TrustedHops is the number of proxies in front of us. 0 ignores
	// X-Forwarded-For entirely, 1 takes the rightmost entry, 2 the one
	// before it, and so on.
	TrustedHops int

	// TrustedProxies limits which peers may set X-Forwarded-For. Empty means
	// any private address.
	TrustedProxies []netip.Prefix
}

// ClientIP stores the peer IP in the context, ignoring forwarded headers.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client IP per opts and stores it in the
// context. Forwarded headers from untrusted peers are removed from the request
// so nothing downstream, the proxy included, passes them on.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
	r.Header.Del("X-Forwarded-Host")
}

func (o ClientIPOptions) trusts(peer netip.Addr) bool {
	if len(o.TrustedProxies) == 0 {
		return peer.IsPrivate() || peer.IsLoopback()
	}
	for _, p := range o.TrustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

func resolveClientIP(r *http.Request, opts ClientIPOptions) string {
	if r.RemoteAddr == "" {
		stripForwarded(r)
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		stripForwarded(r)
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if opts.TrustedHops <= 0 || !opts.trusts(peer) {
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - opts.TrustedHops
	if idx < 0 {
		// fewer hops than configured, fail closed
		stripForwarded(r)
		return peer.String()
	}
	cand, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer.String()
	}
	return cand.Unmap().String()
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
