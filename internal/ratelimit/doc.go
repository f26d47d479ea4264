// Package ratelimit is middleware for per-client request rate limiting with a
// fixed window per key.
//
// Counters live in a [Store]. [LocalStore] keeps them in process memory with
// background eviction and a bounded key count, which is enough for a single
// instance. [RedisStore] keeps them in Redis so every instance behind a load
// balancer shares the same counters.
//
// A [Limiter] is built per route. Routes in the same group share counters via
// [Store.Child], routes without a group never do.
//
// What this does protect against:
//   - single clients flooding a route (connection/goroutine exhaustion upstream)
//   - repeat offenders, with an optional ban after N requests over the limit
//   - gives observability into who is being limited, one log entry per key per window
//
// What this does NOT protect against:
//   - distributed attacks across many keys
//   - bandwidth, see package throttle for that
package ratelimit
