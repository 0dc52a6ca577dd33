package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/routestream/internal/health"
	"github.com/keithlinneman/routestream/internal/httpmw"
	"github.com/keithlinneman/routestream/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers explicit routes (the route listing API and
	// anything else with a fixed path) on the chi router.
	APIRoutes func(chi.Router)

	// SiteHandler is the catch-all for requests no explicit route
	// claimed. Usually the route-table content handler.
	SiteHandler http.Handler

	// Manifest supplies the X-Route-Manifest response header.
	Manifest httpmw.ManifestInfo

	ClientIPOpts httpmw.ClientIPOptions
}
