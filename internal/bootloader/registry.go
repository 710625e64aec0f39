package bootloader

import (
	"context"
	"iter"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// Registry is the ordered set of boot units for one stack.
type Registry[S, C any] struct {
	stack S
	conf  C

	units []*Unit[S, C]
	index map[string]*Unit[S, C]

	observer Observer
	logger   log.Logger
}

type Option func(*options)

type options struct {
	observer Observer
	logger   log.Logger
}

// WithObserver reports unit starts and finishes to o.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// WithLogger fixes the logger used by Run. Without it Run logs to the
// logger carried by its context.
func WithLogger(l log.Logger) Option {
	return func(opts *options) { opts.logger = l }
}

// New returns an empty registry whose behaviors are built with stack and conf.
func New[S, C any](stack S, conf C, opts ...Option) *Registry[S, C] {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return &Registry[S, C]{
		stack:    stack,
		conf:     conf,
		index:    make(map[string]*Unit[S, C]),
		observer: o.observer,
		logger:   o.logger,
	}
}

// Add registers a unit under name. The behavior is invoked immediately and
// must yield a Runner; otherwise a *ConstructionError is returned and nothing
// changes. Registering an existing name rebinds it: without a constraint the
// unit keeps its slot, with one it is placed again.
func (r *Registry[S, C]) Add(name string, b Behavior[S, C], opts ...AddOption) error {
	if name == "" {
		return &ConstructionError{Name: name, Err: xerrors.New("unit name is required")}
	}
	var c Constraint
	for _, o := range opts {
		if err := o(&c); err != nil {
			return &ConstructionError{Name: name, Err: err}
		}
	}
	if c.Kind != KindNone && c.Anchor == name {
		return &ConstructionError{Name: name, Err: xerrors.Newf("unit cannot be ordered %s itself", c.Kind)}
	}

	runner, err := construct(name, b, r.stack, r.conf)
	if err != nil {
		return err
	}
	u := &Unit[S, C]{
		name:       name,
		behavior:   b,
		runner:     runner,
		constraint: c,
		state:      StateRegistered,
	}

	seq := slices.Clone(r.units)
	if old, ok := r.index[name]; ok {
		i := slices.Index(seq, old)
		if c.Kind == KindNone {
			seq[i] = u
		} else {
			seq = splice(slices.Delete(seq, i, i+1), u)
		}
	} else {
		seq = splice(seq, u)
	}

	resolved, stuck := resolve(seq)
	if stuck != nil {
		return &CycleError{Name: name, Names: stuck}
	}
	r.units = resolved
	r.index[name] = u
	return nil
}

// Lookup returns the unit registered under name.
func (r *Registry[S, C]) Lookup(name string) (*Unit[S, C], error) {
	u, ok := r.index[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return u, nil
}

// Len reports the number of registered units.
func (r *Registry[S, C]) Len() int { return len(r.units) }

// All yields (name, unit) pairs in resolved order.
func (r *Registry[S, C]) All() iter.Seq2[string, *Unit[S, C]] {
	return func(yield func(string, *Unit[S, C]) bool) {
		for _, u := range r.units {
			if !yield(u.name, u) {
				return
			}
		}
	}
}

// Names returns unit names in resolved order.
func (r *Registry[S, C]) Names() []string {
	out := make([]string, 0, len(r.units))
	for name := range r.All() {
		out = append(out, name)
	}
	return out
}

// PlanEntry describes one unit of the resolved boot order.
type PlanEntry struct {
	Position int    `json:"position" yaml:"position"`
	Name     string `json:"name" yaml:"name"`
	Before   string `json:"before,omitempty" yaml:"before,omitempty"`
	After    string `json:"after,omitempty" yaml:"after,omitempty"`
	State    State  `json:"state" yaml:"state"`
}

// Plan returns the resolved order with each unit's declared constraint.
func (r *Registry[S, C]) Plan() []PlanEntry {
	out := make([]PlanEntry, 0, len(r.units))
	for i, u := range r.units {
		e := PlanEntry{Position: i + 1, Name: u.name, State: u.state}
		switch u.constraint.Kind {
		case KindBefore:
			e.Before = u.constraint.Anchor
		case KindAfter:
			e.After = u.constraint.Anchor
		}
		out = append(out, e)
	}
	return out
}

// Run executes every unit in resolved order and stops at the first failure,
// returning it as an *ExecutionError.
func (r *Registry[S, C]) Run(ctx context.Context) error {
	L := r.logger
	if L == nil {
		L = log.FromContext(ctx)
	}
	tracer := otel.Tracer("shortstack/bootloader")

	// units added by a running unit are picked up on the next Run, not this one
	seq := slices.Clone(r.units)
	L.Info(ctx, "boot starting", "units", len(seq))
	start := time.Now()
	for i, u := range seq {
		if err := r.runUnit(ctx, L, tracer, i, u); err != nil {
			return err
		}
	}
	L.Info(ctx, "boot complete", "units", len(seq), "duration", time.Since(start).Seconds())
	return nil
}

func (r *Registry[S, C]) runUnit(ctx context.Context, L log.Logger, tracer trace.Tracer, pos int, u *Unit[S, C]) error {
	ctx, span := tracer.Start(ctx, "bootloader.run "+u.name,
		trace.WithAttributes(
			attribute.String("bootloader.unit", u.name),
			attribute.Int("bootloader.position", pos+1),
		),
	)
	defer span.End()

	L = L.With("boot_unit", u.name)
	L.Debug(ctx, "boot unit starting", "position", pos+1)
	r.observer.UnitStarted(u.name)

	start := time.Now()
	err := invoke(log.WithContext(ctx, L), u.runner)
	took := time.Since(start)

	u.state = StateExecuted
	r.observer.UnitFinished(u.name, took, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "boot unit failed", "duration", took.Seconds())
		return &ExecutionError{Name: u.name, Err: err}
	}
	L.Info(ctx, "boot unit finished", "duration", took.Seconds())
	return nil
}

// invoke runs r, turning a panic into an error.
func invoke(ctx context.Context, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if perr, ok := p.(error); ok {
				err = xerrors.Wrap(perr, "panic")
				return
			}
			err = xerrors.Newf("panic: %v", p)
		}
	}()
	return r.Run(ctx)
}
