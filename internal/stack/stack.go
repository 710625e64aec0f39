package stack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/shortstack/internal/assets"
	"github.com/keithlinneman/shortstack/internal/bootloader"
	"github.com/keithlinneman/shortstack/internal/cfg"
	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/metrics"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// ErrAlreadyBooted is returned by every Boot after the first.
var ErrAlreadyBooted = errors.New("stack: already booted")

// Registry is the boot pipeline type of a Stack.
type Registry = bootloader.Registry[*Stack, *cfg.App]

type closer struct {
	name string
	fn   func(context.Context) error
}

type Stack struct {
	Name    string
	Config  *cfg.App
	Logger  log.Logger
	Metrics *metrics.ServerMetrics

	// Router holds the application routes. Handler puts the front
	// middlewares (Use) ahead of it.
	Router chi.Router

	// Gate fails readiness while the process drains.
	Gate health.ShutdownGate

	loaders   *Registry
	observers []bootloader.Observer
	started   atomic.Bool
	booted    atomic.Bool
	app       atomic.Pointer[http.Handler]

	mu        sync.Mutex
	front     []httpmw.Middleware
	readiness []health.Probe
	closers   []closer
	addrs     map[string]string
	aws       *aws.Config
	assets    *assets.Manager
}

type Option func(*Stack)

func WithLogger(l log.Logger) Option {
	return func(s *Stack) { s.Logger = l }
}

func WithMetrics(m *metrics.ServerMetrics) Option {
	return func(s *Stack) { s.Metrics = m }
}

// WithObserver adds a boot observer next to the stack's metrics.
func WithObserver(o bootloader.Observer) Option {
	return func(s *Stack) { s.observers = append(s.observers, o) }
}

// New creates a stack with an empty boot pipeline. Boot units report to the
// stack's metrics.
func New(name string, conf *cfg.App, opts ...Option) *Stack {
	if conf == nil {
		conf = &cfg.App{}
	}
	s := &Stack{
		Name:   name,
		Config: conf,
		Router: chi.NewRouter(),
		addrs:  map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.Logger == nil {
		s.Logger = log.Nop()
	}
	if s.Metrics == nil {
		s.Metrics = metrics.New()
	}
	s.storeApp(nil)
	s.loaders = bootloader.New(s, conf,
		bootloader.WithObserver(bootloader.Observers(append([]bootloader.Observer{s.Metrics}, s.observers...)...)),
		bootloader.WithLogger(s.Logger.With("component", "bootloader", "stack", name)),
	)
	return s
}

// BootLoader exposes the boot pipeline so units can be added.
func (s *Stack) BootLoader() *Registry { return s.loaders }

// Boot runs the boot pipeline. Only the first call runs it; later calls
// return ErrAlreadyBooted whatever the outcome of the first.
func (s *Stack) Boot(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyBooted
	}
	ctx = log.WithContext(ctx, s.Logger)
	if err := s.loaders.Run(ctx); err != nil {
		return err
	}
	s.booted.Store(true)
	s.Metrics.SetBootCompleted(time.Now())
	return nil
}

// Booted reports whether Boot completed without error.
func (s *Stack) Booted() bool { return s.booted.Load() }

// AddReadiness adds a probe the stack's readiness depends on.
func (s *Stack) AddReadiness(p health.Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness = append(s.readiness, p)
}

// Probe is the stack's readiness: it fails until boot has succeeded, while
// draining, and while any added probe fails.
func (s *Stack) Probe() health.Probe {
	return health.CheckFunc(func(ctx context.Context) error {
		if !s.booted.Load() {
			return xerrors.New("boot not complete")
		}
		s.mu.Lock()
		probes := append([]health.Probe{s.Gate.Probe()}, s.readiness...)
		s.mu.Unlock()
		return health.All(probes...).Check(ctx)
	})
}

// Mount attaches h under pattern on the application router.
func (s *Stack) Mount(pattern string, h http.Handler) {
	s.Router.Mount(pattern, h)
}

// Use adds a middleware in front of the router. Unlike chi's Use it may be
// called after routes are mounted or listeners are serving.
func (s *Stack) Use(mw ...httpmw.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.front = append(s.front, mw...)
	s.storeApp(s.front)
}

func (s *Stack) storeApp(front []httpmw.Middleware) {
	h := httpmw.Chain(s.Router, slices.Clone(front)...)
	s.app.Store(&h)
}

// Handler returns the application handler: front middlewares, then Router.
// The chain is read per request, so later Use calls apply to it.
func (s *Stack) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*s.app.Load()).ServeHTTP(w, r)
	})
}

// PlanHandler serves the resolved boot plan as JSON.
func (s *Stack) PlanHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(struct {
			Stack  string                 `json:"stack"`
			Booted bool                   `json:"booted"`
			Units  []bootloader.PlanEntry `json:"units"`
		}{s.Name, s.Booted(), s.loaders.Plan()})
	})
}

// OnShutdown registers fn to run during Shutdown. Closers run in reverse
// registration order.
func (s *Stack) OnShutdown(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer{name: name, fn: fn})
}

// Shutdown runs every closer, even after failures, and joins their errors.
// Closers are consumed, so a second Shutdown does nothing.
func (s *Stack) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			s.Logger.Error(ctx, err, "shutdown step failed", "step", c.name)
			errs = append(errs, xerrors.Wrapf(err, "shutdown %s", c.name))
			continue
		}
		s.Logger.Debug(ctx, "shutdown step complete", "step", c.name)
	}
	return errors.Join(errs...)
}

func (s *Stack) setAddr(name, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[name] = addr
}

// Addr is the bound address of a listener started during boot ("site" or
// "ops"), or "" if it was not started.
func (s *Stack) Addr(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// AWSConfig is the shared config loaded by the aws unit.
func (s *Stack) AWSConfig() (aws.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aws == nil {
		return aws.Config{}, false
	}
	return *s.aws, true
}

// Assets is the bundle manager created by the assets unit, or nil.
func (s *Stack) Assets() *assets.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assets
}
