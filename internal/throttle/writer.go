package throttle

import (
	"context"
	"io"
)

// Writer paces writes to an underlying io.Writer. It is not safe for
// concurrent Write calls.
type Writer struct {
	dst io.Writer
	p   *pacer
}

// NewWriter returns a Writer releasing bytes to dst at fn. A nil fn leaves the
// stream itself unthrottled, which is still useful together with WithBudget.
func NewWriter(ctx context.Context, dst io.Writer, fn RateFunc, opts ...Option) *Writer {
	return &Writer{dst: dst, p: newPacer(ctx, fn, opts)}
}

// Write splits p into chunks and waits for each one. On error the count of
// bytes already handed to the underlying writer is returned.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return w.dst.Write(p)
	}
	written := 0
	for written < len(p) {
		n, bps := w.p.plan(len(p) - written)
		if err := w.p.pace(n, bps); err != nil {
			return written, err
		}
		m, err := w.dst.Write(p[written : written+n])
		written += m
		w.p.advance(m)
		if err != nil {
			return written, err
		}
		if m < n {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Written reports the bytes passed through so far.
func (w *Writer) Written() int64 { return w.p.moved }
