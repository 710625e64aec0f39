package stack

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/shortstack/internal/assets"
	"github.com/keithlinneman/shortstack/internal/bootloader"
	"github.com/keithlinneman/shortstack/internal/cfg"
	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
	"github.com/keithlinneman/shortstack/internal/httpserver"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/opshttp"
	"github.com/keithlinneman/shortstack/internal/otelx"
	"github.com/keithlinneman/shortstack/internal/prof"
	"github.com/keithlinneman/shortstack/internal/ratelimit"
	"github.com/keithlinneman/shortstack/internal/version"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// Names of the units added by RegisterDefaults.
const (
	UnitTracing   = "tracing"
	UnitProfiling = "profiling"
	UnitMetrics   = "metrics"
	UnitAWS       = "aws"
	UnitAssets    = "assets"
	UnitRoutes    = "routes"
	UnitListeners = "listeners"
)

// Route is a handler mounted by the routes unit.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Deps are the pieces RegisterDefaults cannot build from config alone.
type Deps struct {
	Component string
	Routes    []Route

	// SiteListener and OpsListener replace the configured ports.
	SiteListener net.Listener
	OpsListener  net.Listener

	// AWSConfig loads the shared AWS config; nil uses the SDK default chain.
	AWSConfig func(context.Context) (aws.Config, error)

	// Assets replaces the S3 bundle loader built from the AWS config.
	Assets assets.Fetcher

	// AssetsPoll is the bundle watcher interval; 0 disables the watcher.
	AssetsPoll time.Duration
}

// RegisterDefaults adds the standard boot units in order: tracing,
// profiling, metrics, aws, assets (after aws), routes and listeners.
// Application units can be spliced around them with Before and After.
func RegisterDefaults(s *Stack, deps Deps) error {
	if deps.Component == "" {
		deps.Component = "server"
	}
	units := []struct {
		name string
		b    bootloader.Behavior[*Stack, *cfg.App]
		opts []bootloader.AddOption
	}{
		{UnitTracing, tracingUnit(deps), nil},
		{UnitProfiling, profilingUnit(deps), nil},
		{UnitMetrics, metricsUnit(deps), nil},
		{UnitAWS, awsUnit(deps), nil},
		{UnitAssets, assetsUnit(deps), []bootloader.AddOption{bootloader.After(UnitAWS)}},
		{UnitRoutes, routesUnit(deps), nil},
		{UnitListeners, listenersUnit(deps), nil},
	}
	for _, u := range units {
		if err := s.BootLoader().Add(u.name, u.b, u.opts...); err != nil {
			return err
		}
	}
	return nil
}

type runFunc = bootloader.RunnerFunc

func tracingUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, c *cfg.App) (bootloader.Runner, error) {
		return runFunc(func(ctx context.Context) error {
			// collector is on localhost, so the grpc connection is plaintext
			shutdown, err := otelx.Init(ctx, otelx.Options{
				Enabled:   c.EnableTracing,
				Endpoint:  c.OTLPEndpoint,
				Insecure:  true,
				Sample:    c.TraceSample,
				Service:   version.AppName,
				Component: deps.Component,
				Version:   version.Get().Version,
			})
			if err != nil {
				// tracing is optional; spans go nowhere until the next start
				log.FromContext(ctx).Error(ctx, err, "otel init failed", "otlp_endpoint", c.OTLPEndpoint)
				return nil
			}
			s.OnShutdown("tracing", shutdown)
			return nil
		}), nil
	}
}

func profilingUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, c *cfg.App) (bootloader.Runner, error) {
		return runFunc(func(ctx context.Context) error {
			vi := version.Get()
			stop, err := prof.Start(ctx, prof.Options{
				Enabled:       c.EnablePyroscope,
				AppName:       version.AppName,
				ServerAddress: c.PyroServer,
				TenantID:      c.PyroTenantID,
				Tags: map[string]string{
					"app":       version.AppName,
					"stack":     s.Name,
					"component": deps.Component,
					"version":   vi.Version,
					"commit":    vi.Commit,
				},
				OnActive: s.Metrics.SetProfilingActive,
			})
			if err != nil {
				log.FromContext(ctx).Error(ctx, err, "pyroscope start failed", "pyro_server", c.PyroServer)
			}
			s.OnShutdown("profiling", func(context.Context) error {
				stop()
				return nil
			})
			return nil
		}), nil
	}
}

func metricsUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, _ *cfg.App) (bootloader.Runner, error) {
		return runFunc(func(ctx context.Context) error {
			vi := version.Get()
			s.Metrics.SetBuildInfo(deps.Component, vi)
			log.FromContext(ctx).Info(ctx, "build info published",
				"version", vi.Version, "commit", vi.Commit, "go_version", vi.GoVersion, "vcs_dirty", vi.Dirty())
			return nil
		}), nil
	}
}

func awsUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, c *cfg.App) (bootloader.Runner, error) {
		load := deps.AWSConfig
		if load == nil {
			load = func(ctx context.Context) (aws.Config, error) { return config.LoadDefaultConfig(ctx) }
		}
		return runFunc(func(ctx context.Context) error {
			if !c.EnableAssets || deps.Assets != nil {
				log.FromContext(ctx).Debug(ctx, "no unit needs AWS, skipping config load")
				return nil
			}
			ac, err := load(ctx)
			if err != nil {
				return xerrors.Wrap(err, "load AWS config")
			}
			s.mu.Lock()
			s.aws = &ac
			s.mu.Unlock()
			return nil
		}), nil
	}
}

func assetsUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, c *cfg.App) (bootloader.Runner, error) {
		return runFunc(func(ctx context.Context) error {
			L := log.FromContext(ctx)
			if !c.EnableAssets {
				L.Info(ctx, "asset bundle disabled")
				return nil
			}

			fetcher := deps.Assets
			if fetcher == nil {
				ac, ok := s.AWSConfig()
				if !ok {
					return xerrors.New("assets need the AWS config; is the aws unit registered?")
				}
				loader, err := assets.NewAWSLoader(ac, c.AssetsSigningKeyARN, assets.LoaderOptions{
					Logger:   L,
					SSMParam: c.AssetsSSMParam,
					Bucket:   c.AssetsS3Bucket,
					Prefix:   c.AssetsS3Prefix,
					OnLoad: func(_ string, took time.Duration) {
						s.Metrics.ObserveAssetBundleLoad(took.Seconds())
					},
				})
				if err != nil {
					return err
				}
				fetcher = loader
			}

			m := assets.NewManager(func(snap assets.Snapshot) {
				s.Metrics.SetAssetBundle(snap.Meta.SHA256, string(snap.Meta.Source))
			})
			w := assets.NewWatcher(fetcher, m, L, deps.AssetsPoll)
			// a missing bundle is not fatal; readiness fails until one loads
			if _, err := w.Poll(ctx); err != nil {
				L.Error(ctx, err, "initial asset bundle load failed")
			}
			if deps.AssetsPoll > 0 {
				wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				go w.Run(wctx)
				s.OnShutdown("assets watcher", func(context.Context) error {
					cancel()
					return nil
				})
			}

			s.AddReadiness(health.Named("assets", m.Probe()))
			s.Use(assets.NewHandler(m, assets.HandlerOptions{}).Fallthrough)
			s.mu.Lock()
			s.assets = m
			s.mu.Unlock()
			return nil
		}), nil
	}
}

func routesUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, _ *cfg.App) (bootloader.Runner, error) {
		for _, r := range deps.Routes {
			if r.Handler == nil {
				return nil, xerrors.Newf("route %q has no handler", r.Pattern)
			}
		}
		return runFunc(func(ctx context.Context) error {
			for _, r := range deps.Routes {
				s.Mount(r.Pattern, r.Handler)
			}
			log.FromContext(ctx).Info(ctx, "routes mounted", "count", len(deps.Routes))
			return nil
		}), nil
	}
}

func listenersUnit(deps Deps) bootloader.Behavior[*Stack, *cfg.App] {
	return func(s *Stack, c *cfg.App) (bootloader.Runner, error) {
		return runFunc(func(ctx context.Context) error {
			L := log.FromContext(ctx)
			// listeners outlive the boot context; they stop through Shutdown
			lctx := context.WithoutCancel(ctx)

			var rateLimit httpmw.Middleware
			if c.RateLimitRPS > 0 {
				limiter := ratelimit.New(lctx,
					ratelimit.WithRate(c.RateLimitRPS, c.RateLimitBurst),
					ratelimit.WithOnDenied(func(string) { s.Metrics.IncRateLimitDenied() }),
					// only logged once per visitor until it is evicted
					ratelimit.WithOnFirstDenied(func(ip string) {
						L.Warn(lctx, "rate limit triggered", "ip", ip)
					}),
					ratelimit.WithOnCapacity(func() {
						s.Metrics.IncRateLimitCapacity()
						L.Warn(lctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
					}),
				)
				rateLimit = limiter.Middleware
			}

			live := health.Fixed(true, "")
			ready := s.Probe()
			app := s.Handler()

			siteStop, siteAddr, err := httpserver.Start(lctx, &httpserver.Options{
				Logger:       L,
				Port:         c.HTTPPort,
				Listener:     deps.SiteListener,
				Health:       live,
				Readiness:    ready,
				Routes:       func(r chi.Router) { r.Mount("/", app) },
				UseRecoverMW: true,
				OnPanic:      s.Metrics.IncHTTPPanic,
				MetricsMW:    s.Metrics.Middleware,
				RateLimitMW:  rateLimit,
				ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: c.TrustedProxyHops},
			})
			if err != nil {
				return xerrors.Wrap(err, "start site listener")
			}
			s.OnShutdown("site listener", siteStop)
			s.setAddr("site", siteAddr)

			// the ops listener rejects public peers itself; the network
			// policy in front of it is the first line
			opsStop, opsAddr, err := opshttp.Start(lctx, L, opshttp.Options{
				Port:         c.AdminPort,
				Listener:     deps.OpsListener,
				Metrics:      s.Metrics.Handler(),
				Health:       live,
				Readiness:    ready,
				BootOrder:    s.PlanHandler(),
				EnablePprof:  c.EnablePprof,
				UseRecoverMW: true,
				OnPanic:      s.Metrics.IncHTTPPanic,
			})
			if err != nil {
				return xerrors.Wrap(err, "start ops listener")
			}
			s.OnShutdown("ops listener", opsStop)
			s.setAddr("ops", opsAddr)
			return nil
		}), nil
	}
}
