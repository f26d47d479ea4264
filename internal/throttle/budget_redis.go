package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript keeps a theoretical arrival time (µs, server clock) per key.
// ARGV: bytes, µs per byte, burst tolerance in µs. Returns the wait in µs.
var gcraScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000000 + tonumber(t[2])
local n = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local tolerance = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1])) or now
if tat < now then
  tat = now
end
local newTat = math.floor(tat + n * interval)
local wait = newTat - tolerance - now
if wait < 0 then
  wait = 0
end

local ttl = math.ceil((newTat - now) / 1000) + 1000
redis.call('SET', KEYS[1], string.format('%d', newTat), 'PX', ttl)
return math.floor(wait)
`)

// RedisBudget shares a Budget between every instance using the same Redis.
// The server clock is used so instance clock skew does not matter.
type RedisBudget struct {
	client  redis.Scripter
	prefix  string
	timeout time.Duration
}

type RedisBudgetOption func(*RedisBudget)

// WithBudgetPrefix sets the key namespace, default "throttlegate-bw-".
func WithBudgetPrefix(p string) RedisBudgetOption {
	return func(b *RedisBudget) { b.prefix = p }
}

// WithBudgetTimeout bounds each Reserve round trip.
func WithBudgetTimeout(d time.Duration) RedisBudgetOption {
	return func(b *RedisBudget) { b.timeout = d }
}

func NewRedisBudget(client redis.Scripter, opts ...RedisBudgetOption) *RedisBudget {
	b := &RedisBudget{client: client, prefix: "throttlegate-bw-"}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *RedisBudget) Reserve(ctx context.Context, key string, n int, bps int64) (time.Duration, error) {
	if bps <= 0 || n <= 0 {
		return 0, nil
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	interval := 1e6 / float64(bps)
	burst := max(n, chunkSize(bps))
	tolerance := int64(float64(burst) * interval)

	waitUS, err := gcraScript.Run(ctx, b.client, []string{b.prefix + key},
		n,
		strconv.FormatFloat(interval, 'f', -1, 64),
		tolerance,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve %q: %w", key, err)
	}
	return time.Duration(waitUS) * time.Microsecond, nil
}
