package throttle

import (
	"fmt"
	"net/http"
)

// transport throttles response bodies read from an upstream.
type transport struct {
	next http.RoundTripper
	rate RateFunc
	opts []Option
}

// NewTransport wraps next so every response body is read at fn. A nil next
// uses http.DefaultTransport.
func NewTransport(fn RateFunc, next http.RoundTripper, opts ...Option) (http.RoundTripper, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: transport needs a rate", ErrInvalidRate)
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &transport{next: next, rate: fn, opts: opts}, nil
}

func (t *transport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(r)
	if err != nil || resp.Body == nil || resp.Body == http.NoBody {
		return resp, err
	}
	body := resp.Body
	resp.Body = readCloser{Reader: NewReader(r.Context(), body, t.rate, t.opts...), c: body}
	return resp, nil
}
