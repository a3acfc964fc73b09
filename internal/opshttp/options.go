package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-resources/internal/health"
)

type Options struct {
	// Port defaults to 9000
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// OnPanic runs after a recovered handler panic, e.g. to count it
	OnPanic func()
	// AllowPublic disables the private-network guard; tests only
	AllowPublic bool
}
