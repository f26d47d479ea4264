package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript counts a hit and starts the window on the first one, or on every
// hit over max with continueExceeding. A key that lost its expiry is repaired.
// ARGV: window ms, max, continueExceeding. Returns {current, pttl}.
var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local window = tonumber(ARGV[1])
if current == 1 or (ARGV[3] == '1' and current > tonumber(ARGV[2])) then
  redis.call('PEXPIRE', KEYS[1], window)
  return {current, window}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
return {current, ttl}
`)

// RedisStore keeps windows in Redis so every instance shares counters.
type RedisStore struct {
	client    redis.Scripter
	namespace string
	timeout   time.Duration
}

type RedisOption func(*RedisStore)

// WithNamespace sets the key prefix, default "throttlegate-rate-limit-".
func WithNamespace(ns string) RedisOption {
	return func(s *RedisStore) { s.namespace = ns }
}

// WithTimeout bounds each Incr round trip.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.timeout = d }
}

func NewRedisStore(client redis.Scripter, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, namespace: "throttlegate-rate-limit-"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RedisStore) Child(prefix string) Store {
	return &RedisStore{client: s.client, namespace: s.namespace + prefix, timeout: s.timeout}
}

func (s *RedisStore) Incr(ctx context.Context, key string, d time.Duration, max int, continueExceeding bool) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ce := "0"
	if continueExceeding {
		ce = "1"
	}

	vals, err := incrScript.Run(ctx, s.client, []string{s.namespace + key}, d.Milliseconds(), max, ce).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("incr %q: %w", key, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("incr %q: unexpected reply %v", key, vals)
	}
	return Result{Current: int(vals[0]), TTL: time.Duration(vals[1]) * time.Millisecond}, nil
}
