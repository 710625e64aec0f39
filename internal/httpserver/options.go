package httpserver

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
	"github.com/keithlinneman/shortstack/internal/log"
)

type Options struct {
	Logger log.Logger

	// Port is used when Listener is nil; 0 means 8080.
	Port     int
	Listener net.Listener

	Health    health.Probe
	Readiness health.Probe

	// Routes mounts the application routes. NotFound serves everything the
	// router did not match.
	Routes   func(chi.Router)
	NotFound http.Handler

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    httpmw.Middleware
	RateLimitMW  httpmw.Middleware
	ClientIPOpts httpmw.ClientIPOptions

	// MaxBodyBytes caps request bodies; 0 means DefaultMaxBodyBytes.
	MaxBodyBytes int64
}
