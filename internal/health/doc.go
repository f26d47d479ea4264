// Package health composes liveness and readiness probes.
//
// A Probe returns nil when healthy. Fixed, All, Any, Named and Timeout build
// larger probes from small ones. ShutdownGate fails readiness once shutdown
// starts so load balancers stop routing before the drain period ends.
package health
