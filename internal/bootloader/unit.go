package bootloader

import (
	"context"
	"reflect"

	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// Runner is the single capability a boot unit must expose.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Behavior builds a unit's Runner from the owning stack and its config.
// Returning a nil Runner or an error rejects the registration.
type Behavior[S, C any] func(stack S, conf C) (Runner, error)

// State is the lifecycle of a unit inside one registry.
type State string

const (
	StateRegistered State = "registered"
	StateExecuted   State = "executed"
)

// Kind is the relative-order requirement of a registration.
type Kind int

const (
	KindNone Kind = iota
	KindBefore
	KindAfter
)

func (k Kind) String() string {
	switch k {
	case KindBefore:
		return "before"
	case KindAfter:
		return "after"
	default:
		return "none"
	}
}

// Constraint places a unit relative to Anchor.
type Constraint struct {
	Kind   Kind
	Anchor string
}

// AddOption sets the constraint of a registration.
type AddOption func(*Constraint) error

// Before orders the new unit ahead of the named unit.
func Before(name string) AddOption { return constrain(KindBefore, name) }

// After orders the new unit behind the named unit.
func After(name string) AddOption { return constrain(KindAfter, name) }

func constrain(k Kind, name string) AddOption {
	return func(c *Constraint) error {
		if name == "" {
			return xerrors.Newf("%s constraint needs a unit name", k)
		}
		if c.Kind != KindNone {
			return xerrors.Newf("only one constraint allowed per unit (have %s %q, got %s %q)", c.Kind, c.Anchor, k, name)
		}
		c.Kind, c.Anchor = k, name
		return nil
	}
}

// Unit is one registered boot step.
type Unit[S, C any] struct {
	name       string
	behavior   Behavior[S, C]
	runner     Runner
	constraint Constraint
	state      State
}

func (u *Unit[S, C]) Name() string           { return u.name }
func (u *Unit[S, C]) Runner() Runner         { return u.runner }
func (u *Unit[S, C]) Constraint() Constraint { return u.constraint }
func (u *Unit[S, C]) State() State           { return u.state }

// Call builds a fresh Runner from the unit's behavior and runs it once,
// outside of the registry sequence. The unit's state is not changed.
func (u *Unit[S, C]) Call(ctx context.Context, stack S, conf C) error {
	r, err := construct(u.name, u.behavior, stack, conf)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func construct[S, C any](name string, b Behavior[S, C], stack S, conf C) (Runner, error) {
	if b == nil {
		return nil, &ConstructionError{Name: name, Err: xerrors.New("nil behavior")}
	}
	r, err := b(stack, conf)
	if err != nil {
		return nil, &ConstructionError{Name: name, Err: err}
	}
	if isNil(r) {
		return nil, &ConstructionError{Name: name, Err: xerrors.New("behavior did not produce a runner")}
	}
	return r, nil
}

// isNil also catches a nil func or pointer stored in the interface.
func isNil(r Runner) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
