package throttle

import (
	"errors"
	"time"
)

var (
	ErrInvalidRate   = errors.New("invalid throttle rate")
	ErrWaitingFailed = errors.New("throttle waiting failed")
	ErrContextEnded  = errors.New("throttle context ended")
)

const (
	// tickDivisor sizes chunks so a stream is released roughly twenty times a second.
	tickDivisor = 20
	maxChunk    = 64 << 10
)

// RateFunc returns the bytes per second allowed for the next chunk given the
// time since the first byte and the bytes transferred so far. A value <= 0
// leaves the next chunk unthrottled.
type RateFunc func(elapsed time.Duration, transferred int64) int64

// Constant returns a RateFunc fixed at bps.
func Constant(bps int64) RateFunc {
	return func(time.Duration, int64) int64 { return bps }
}

// Step changes the rate once a stream has run for After or moved AfterBytes.
// When both thresholds are set, both must be reached.
type Step struct {
	After          time.Duration
	AfterBytes     int64
	BytesPerSecond int64
}

func (s Step) reached(elapsed time.Duration, transferred int64) bool {
	if s.After <= 0 && s.AfterBytes <= 0 {
		return false
	}
	if s.After > 0 && elapsed < s.After {
		return false
	}
	if s.AfterBytes > 0 && transferred < s.AfterBytes {
		return false
	}
	return true
}

// Schedule starts at base and applies steps in order; every reached step
// replaces the rate, so later steps win.
func Schedule(base int64, steps ...Step) RateFunc {
	if len(steps) == 0 {
		return Constant(base)
	}
	steps = append([]Step(nil), steps...)
	return func(elapsed time.Duration, transferred int64) int64 {
		bps := base
		for _, s := range steps {
			if s.reached(elapsed, transferred) {
				bps = s.BytesPerSecond
			}
		}
		return bps
	}
}

// chunkSize is the largest piece released at once for bps.
func chunkSize(bps int64) int {
	c := bps / tickDivisor
	if c < 1 {
		c = 1
	}
	if c > maxChunk {
		c = maxChunk
	}
	return int(c)
}
