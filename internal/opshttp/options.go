package opshttp

import (
	"net/http"

	"github.com/keithlinneman/throttlegate/internal/health"
)

type Options struct {
	// Port defaults to 9000.
	Port int

	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic serves requests from public addresses, otherwise only
	// loopback, private and link-local peers get through.
	AllowPublic bool

	// OnPanic runs after a recovered handler panic.
	OnPanic func()
}
