package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/throttlegate/internal/xerrors"
)

// ErrNoProbes is returned by Any when every argument is nil.
var ErrNoProbes = errors.New("no probes configured")

// Probe is evaluated on every health request.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := errors.New(reason)
	return func(context.Context) error { return err }
}

// All passes when every non-nil probe passes. It runs them all and joins the
// failures so the readiness body lists each broken dependency.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// Any passes when at least one non-nil probe passes, stopping at the first.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return ErrNoProbes
		}
		return errors.Join(errs...)
	}
}

// Named prefixes failures with name, e.g. "redis: connection refused".
func Named(name string, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// Timeout bounds p to d. A probe that ignores ctx still blocks the caller.
func Timeout(d time.Duration, p Probe) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return p.Check(ctx)
	}
}

// ShutdownGate is open until Close. The zero value is ready to use.
type ShutdownGate struct {
	closed atomic.Bool
	reason atomic.Pointer[string]
}

// Close fails the gate's probe with reason, "shutting down" when empty.
func (g *ShutdownGate) Close(reason string) {
	if reason == "" {
		reason = "shutting down"
	}
	g.reason.Store(&reason)
	g.closed.Store(true)
}

// Open undoes Close.
func (g *ShutdownGate) Open() {
	g.closed.Store(false)
}

func (g *ShutdownGate) Closed() bool { return g.closed.Load() }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.closed.Load() {
			return nil
		}
		reason := "shutting down"
		if r := g.reason.Load(); r != nil {
			reason = *r
		}
		return xerrors.New(reason)
	}
}
