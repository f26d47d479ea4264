package throttle

import (
	"context"
	"io"
)

// Reader paces reads from an underlying io.Reader. Each Read is capped at one
// chunk and the wait is taken for the bytes actually read.
type Reader struct {
	src io.Reader
	p   *pacer
}

func NewReader(ctx context.Context, src io.Reader, fn RateFunc, opts ...Option) *Reader {
	return &Reader{src: src, p: newPacer(ctx, fn, opts)}
}

func (r *Reader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return r.src.Read(b)
	}
	n, bps := r.p.plan(len(b))
	m, err := r.src.Read(b[:n])
	if m > 0 {
		r.p.advance(m)
		if perr := r.p.pace(m, bps); perr != nil {
			return m, perr
		}
	}
	return m, err
}

// readCloser keeps the Close of the body a Reader wraps.
type readCloser struct {
	*Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }
