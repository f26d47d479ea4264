package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStore wraps every counter store failure returned by Check.
var ErrStore = errors.New("rate limit store")

// Result is the state of one key's window after an increment.
type Result struct {
	// Current is the number of hits in the window, including this one.
	Current int
	// TTL is the time left until the window resets.
	TTL time.Duration
}

// Store counts hits per key in fixed windows.
type Store interface {
	// Incr adds one hit to key. A new window of length window starts on the
	// first hit. With continueExceeding every hit over max restarts the window.
	Incr(ctx context.Context, key string, window time.Duration, max int, continueExceeding bool) (Result, error)

	// Child returns a Store whose keys live under prefix, sharing the
	// parent's backend.
	Child(prefix string) Store
}
