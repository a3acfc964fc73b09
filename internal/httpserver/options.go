package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-resources/internal/health"
	"github.com/keithlinneman/linnemanlabs-resources/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-resources/internal/log"
)

type Options struct {
	Logger log.Logger
	// Port defaults to 8080
	Port int

	// APIRoutes mounts the application routes on the router
	APIRoutes func(chi.Router)

	MetricsMW    httpmw.Middleware
	RateLimitMW  httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	UseRecoverMW bool
	OnPanic      func()

	// served on the API port as well, for load balancers that cannot reach the ops port
	Health    health.Probe
	Readiness health.Probe
}
