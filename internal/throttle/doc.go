// Package throttle paces byte streams to a bytes-per-second rate.
//
// The rate is a [RateFunc] of the time since the stream started and the bytes
// already transferred, so a constant bps and a schedule that slows a transfer
// down after N bytes or T seconds use the same machinery.
//
// Pacing is done with a token bucket per stream (golang.org/x/time/rate) whose
// burst is one chunk. Two properties follow from that:
//
//   - waits are computed against absolute time, so rounding in individual
//     sleeps never accumulates into a slower (or faster) average speed
//   - a consumer that stops reading for a while earns at most one chunk of
//     credit, so there is no catch-up burst when it resumes
//
// A [Budget] additionally caps the aggregate rate of every stream that shares
// a key (typically the client IP). [LocalBudget] does this per process,
// [RedisBudget] across every instance behind a load balancer.
//
// [Middleware] is the response-send hook: it wraps the http.ResponseWriter so
// the body goes out through a [Writer], and optionally paces request bodies
// with a [Reader]. [NewTransport] does the same for bodies read from an
// upstream.
package throttle
