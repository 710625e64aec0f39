package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

const (
	HealthPath = "/-/healthy"
	ReadyPath  = "/-/ready"

	DefaultPort         = 8080
	DefaultMaxBodyBytes = 64 << 10
)

// untracedExt are static asset extensions that would only add span noise.
var untracedExt = map[string]bool{
	".css": true, ".js": true, ".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".svg": true, ".ico": true, ".woff": true, ".woff2": true, ".map": true,
}

func shouldTrace(r *http.Request) bool {
	p := r.URL.Path
	if p == HealthPath || p == ReadyPath || p == "/robots.txt" {
		return false
	}
	return !untracedExt[strings.ToLower(path.Ext(p))]
}

// NewHandler assembles the site handler. Middleware runs outermost first:
// security headers, recover, request id, client ip, rate limit, otelhttp,
// trace headers, metrics, logger, then the router with compression, route
// annotation, access log and body limit.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Compress(5,
			"text/html", "text/css", "text/plain",
			"application/javascript", "text/javascript",
			"application/json", "image/svg+xml",
		),
		httpmw.AnnotateHTTPRoute,
		httpmw.AccessLog(HealthPath, ReadyPath),
		httpmw.MaxBody(maxBody),
	)

	if opts.Health != nil {
		r.Get(HealthPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(ReadyPath, health.ReadyzHandler(opts.Readiness))
	}
	if opts.Routes != nil {
		opts.Routes(r)
	}
	if opts.NotFound != nil {
		r.NotFound(opts.NotFound.ServeHTTP)
	}

	traced := otelhttp.NewHandler(
		httpmw.Chain(r,
			httpmw.TraceResponseHeaders("", ""),
			opts.MetricsMW,
			httpmw.WithLogger(L),
		),
		"http.server",
		otelhttp.WithFilter(shouldTrace),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}

	return httpmw.Chain(traced,
		httpmw.SecurityHeaders,
		recoverMW,
		httpmw.RequestID(""),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
	)
}

// Server timeouts, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 5 * time.Second
)

func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Serve runs srv on ln in the background and returns an idempotent stop
// func that shuts it down gracefully.
func Serve(ctx context.Context, L log.Logger, name string, srv *http.Server, ln net.Listener) func(context.Context) error {
	L = L.With("server", name, "addr", ln.Addr().String())
	go func() {
		L.Info(ctx, "http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "http server error")
		}
	}()

	var (
		once sync.Once
		err  error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}
}

// Start listens (unless opts.Listener is set) and serves NewHandler(opts).
// The returned address is the one actually bound.
func Start(ctx context.Context, opts *Options) (stop func(context.Context) error, addr string, err error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	ln := opts.Listener
	if ln == nil {
		port := opts.Port
		if port == 0 {
			port = DefaultPort
		}
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, "", xerrors.Wrapf(err, "listen on port %d", port)
		}
	}
	addr = ln.Addr().String()
	srv := NewServer(addr, NewHandler(opts))
	return Serve(ctx, L, "site", srv, ln), addr, nil
}
