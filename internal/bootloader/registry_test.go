package bootloader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// test helpers

type testStack struct{ name string }

type testConfig struct{ env string }

type testRegistry = Registry[*testStack, *testConfig]

func newTestRegistry(t *testing.T, opts ...Option) (*testRegistry, *[]string) {
	t.Helper()
	var ran []string
	capture := WithObserver(ObserverFuncs{
		Started: func(name string) { ran = append(ran, name) },
	})
	opts = append([]Option{capture}, opts...)
	return New(&testStack{name: "foo"}, &testConfig{env: "test"}, opts...), &ran
}

// noop returns a behavior whose runner does nothing.
func noop() Behavior[*testStack, *testConfig] {
	return func(*testStack, *testConfig) (Runner, error) {
		return RunnerFunc(func(context.Context) error { return nil }), nil
	}
}

func failing(err error) Behavior[*testStack, *testConfig] {
	return func(*testStack, *testConfig) (Runner, error) {
		return RunnerFunc(func(context.Context) error { return err }), nil
	}
}

func mustAdd(t *testing.T, r *testRegistry, name string, opts ...AddOption) {
	t.Helper()
	require.NoError(t, r.Add(name, noop(), opts...))
}

// Add - construction

func TestAdd_RejectsBehaviorWithoutRunner(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "bar")

	err := r.Add("foo", func(*testStack, *testConfig) (Runner, error) { return nil, nil })

	require.Error(t, err)
	require.ErrorIs(t, err, ErrConstruction)
	var ce *ConstructionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "foo", ce.Name)
	require.Equal(t, 1, r.Len())
	_, lookupErr := r.Lookup("foo")
	require.ErrorIs(t, lookupErr, ErrNotFound)
}

type ptrRunner struct{}

func (*ptrRunner) Run(context.Context) error { return nil }

func TestAdd_RejectsTypedNilRunner(t *testing.T) {
	tests := []struct {
		name string
		b    Behavior[*testStack, *testConfig]
	}{
		{"nil func", func(*testStack, *testConfig) (Runner, error) {
			var f RunnerFunc
			return f, nil
		}},
		{"nil pointer", func(*testStack, *testConfig) (Runner, error) {
			var p *ptrRunner
			return p, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			mustAdd(t, r, "bar")

			err := r.Add("foo", tt.b)

			require.ErrorIs(t, err, ErrConstruction)
			require.Equal(t, 1, r.Len())
			_, lookupErr := r.Lookup("foo")
			require.ErrorIs(t, lookupErr, ErrNotFound)
		})
	}
}

func TestAdd_RejectsBehaviorError(t *testing.T) {
	r, _ := newTestRegistry(t)
	cause := errors.New("missing credentials")

	err := r.Add("aws", func(*testStack, *testConfig) (Runner, error) {
		return nil, cause
	})

	require.ErrorIs(t, err, ErrConstruction)
	require.ErrorIs(t, err, cause)
	require.Zero(t, r.Len())
}

func TestAdd_RejectsNilBehavior(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.ErrorIs(t, r.Add("foo", nil), ErrConstruction)
	require.Zero(t, r.Len())
}

func TestAdd_RejectsEmptyName(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.ErrorIs(t, r.Add("", noop()), ErrConstruction)
}

func TestAdd_RejectsTwoConstraints(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")

	err := r.Add("baz", noop(), Before("bar"), After("foo"))

	require.ErrorIs(t, err, ErrConstruction)
	require.Contains(t, err.Error(), "only one constraint")
	require.Equal(t, []string{"foo", "bar"}, r.Names())
}

func TestAdd_RejectsSelfConstraint(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.ErrorIs(t, r.Add("foo", noop(), Before("foo")), ErrConstruction)
}

func TestAdd_PassesStackAndConfigToBehavior(t *testing.T) {
	stack := &testStack{name: "FooStack"}
	conf := &testConfig{env: "prod"}
	r := New(stack, conf)

	var gotStack *testStack
	var gotConf *testConfig
	err := r.Add("init", func(s *testStack, c *testConfig) (Runner, error) {
		gotStack, gotConf = s, c
		return RunnerFunc(func(context.Context) error { return nil }), nil
	})

	require.NoError(t, err)
	require.Same(t, stack, gotStack)
	require.Same(t, conf, gotConf)
}

// Lookup

func TestLookup_ReturnsRegisteredRunner(t *testing.T) {
	r, _ := newTestRegistry(t)
	var called bool
	runner := RunnerFunc(func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, r.Add("my_initializer", func(*testStack, *testConfig) (Runner, error) {
		return runner, nil
	}))

	u, err := r.Lookup("my_initializer")
	require.NoError(t, err)
	require.Equal(t, "my_initializer", u.Name())
	require.Equal(t, StateRegistered, u.State())

	require.NoError(t, u.Runner().Run(context.Background()))
	require.True(t, called)
}

func TestLookup_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	u, err := r.Lookup("missing")

	require.Nil(t, u)
	require.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "missing", nf.Name)
}

func TestUnit_CallBuildsFreshRunner(t *testing.T) {
	r, _ := newTestRegistry(t)
	builds := 0
	var seen string
	require.NoError(t, r.Add("foo", func(s *testStack, c *testConfig) (Runner, error) {
		builds++
		return RunnerFunc(func(context.Context) error {
			seen = s.name + "/" + c.env
			return nil
		}), nil
	}))

	u, err := r.Lookup("foo")
	require.NoError(t, err)
	require.NoError(t, u.Call(context.Background(), &testStack{name: "stack"}, &testConfig{env: "config"}))

	require.Equal(t, 2, builds)
	require.Equal(t, "stack/config", seen)
	require.Equal(t, StateRegistered, u.State())
}

func TestAdd_MultipleUnits(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")

	for _, name := range []string{"foo", "bar"} {
		u, err := r.Lookup(name)
		require.NoError(t, err)
		require.Equal(t, name, u.Name())
	}
	require.Equal(t, 2, r.Len())
}

// ordering

func TestRun_Before(t *testing.T) {
	r, ran := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz", Before("bar"))

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, []string{"foo", "baz", "bar"}, *ran)
}

func TestRun_After(t *testing.T) {
	r, ran := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz", After("foo"))

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, []string{"foo", "baz", "bar"}, *ran)
}

func TestRun_ArbitrarilyComplexSetup(t *testing.T) {
	r, ran := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz", After("foo"))
	mustAdd(t, r, "paz", Before("baz"))
	mustAdd(t, r, "fred", Before("bar"))
	mustAdd(t, r, "barney", After("fred"))

	require.NoError(t, r.Run(context.Background()))

	want := []string{"foo", "paz", "baz", "fred", "barney", "bar"}
	require.Equal(t, want, *ran)
	require.Equal(t, want, r.Names())
}

func TestAdd_AfterMissingAnchorMovesWhenAnchorArrives(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "cache", After("db"))
	mustAdd(t, r, "routes")
	require.Equal(t, []string{"cache", "routes"}, r.Names())

	mustAdd(t, r, "db")

	require.Equal(t, []string{"routes", "db", "cache"}, r.Names())
}

func TestAdd_BeforeMissingAnchorHoldsWhenAnchorSplicedEarlier(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "config")
	mustAdd(t, r, "secrets", Before("db"))
	mustAdd(t, r, "db", Before("config"))

	require.Equal(t, []string{"secrets", "db", "config"}, r.Names())
}

func TestAdd_SameAnchorKeepsSpliceOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "x")
	mustAdd(t, r, "a", After("x"))
	mustAdd(t, r, "b", After("x"))
	mustAdd(t, r, "c", Before("x"))
	mustAdd(t, r, "d", Before("x"))

	require.Equal(t, []string{"c", "d", "x", "b", "a"}, r.Names())
}

func TestAdd_CycleRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "a", Before("b"))
	mustAdd(t, r, "b")
	before := r.Names()

	err := r.Add("c", noop(), Before("a"))
	require.NoError(t, err)

	err = r.Add("b", noop(), Before("c"))

	require.ErrorIs(t, err, ErrCycle)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	require.ElementsMatch(t, []string{"a", "b", "c"}, ce.Names)
	require.Equal(t, append([]string{"c"}, before...), r.Names())
	_, lookupErr := r.Lookup("b")
	require.NoError(t, lookupErr)
}

func TestAdd_CycleErrorNamesOnlyCycleMembers(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "p", After("q"))
	mustAdd(t, r, "z", After("p"))

	err := r.Add("q", noop(), After("p"))

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, []string{"p", "q"}, ce.Names)
	require.Equal(t, []string{"p", "z"}, r.Names())
}

func TestAdd_RebindKeepsSlotWithoutConstraint(t *testing.T) {
	r, ran := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz")

	var second bool
	require.NoError(t, r.Add("bar", func(*testStack, *testConfig) (Runner, error) {
		return RunnerFunc(func(context.Context) error {
			second = true
			return nil
		}), nil
	}))

	require.Equal(t, 3, r.Len())
	require.Equal(t, []string{"foo", "bar", "baz"}, r.Names())
	require.NoError(t, r.Run(context.Background()))
	require.True(t, second)
	require.Equal(t, []string{"foo", "bar", "baz"}, *ran)
}

func TestAdd_RebindWithConstraintRepositions(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz")

	mustAdd(t, r, "foo", After("baz"))

	require.Equal(t, []string{"bar", "baz", "foo"}, r.Names())
	require.Equal(t, 3, r.Len())
}

// enumerate

func TestAll_RestartableAndStable(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")
	mustAdd(t, r, "baz", Before("bar"))

	collect := func() []string {
		var out []string
		for name, u := range r.All() {
			require.Equal(t, name, u.Name())
			out = append(out, name)
		}
		return out
	}

	first := collect()
	second := collect()
	require.Equal(t, first, second)
	require.Equal(t, []string{"foo", "baz", "bar"}, first)
}

func TestAll_EarlyBreak(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar")

	var seen []string
	for name := range r.All() {
		seen = append(seen, name)
		break
	}
	require.Equal(t, []string{"foo"}, seen)
}

func TestAll_EmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	for range r.All() {
		t.Fatal("empty registry yielded a unit")
	}
	require.Empty(t, r.Names())
}

func TestPlan_ReportsConstraintsAndState(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustAdd(t, r, "foo")
	mustAdd(t, r, "bar", After("foo"))
	mustAdd(t, r, "baz", Before("foo"))

	plan := r.Plan()
	require.Equal(t, []PlanEntry{
		{Position: 1, Name: "baz", Before: "foo", State: StateRegistered},
		{Position: 2, Name: "foo", State: StateRegistered},
		{Position: 3, Name: "bar", After: "foo", State: StateRegistered},
	}, plan)

	require.NoError(t, r.Run(context.Background()))
	for _, e := range r.Plan() {
		require.Equal(t, StateExecuted, e.State)
	}
}

// Run

func TestRun_FailFast(t *testing.T) {
	r, ran := newTestRegistry(t)
	cause := errors.New("db unreachable")
	mustAdd(t, r, "config")
	require.NoError(t, r.Add("db", failing(cause)))
	mustAdd(t, r, "cache")

	err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrExecution)
	require.ErrorIs(t, err, cause)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "db", ee.Name)
	require.Equal(t, []string{"config", "db"}, *ran)

	db, _ := r.Lookup("db")
	cache, _ := r.Lookup("cache")
	require.Equal(t, StateExecuted, db.State())
	require.Equal(t, StateRegistered, cache.State())
}

func TestRun_PanicBecomesExecutionError(t *testing.T) {
	r, ran := newTestRegistry(t)
	require.NoError(t, r.Add("boom", func(*testStack, *testConfig) (Runner, error) {
		return RunnerFunc(func(context.Context) error { panic("kaboom") }), nil
	}))
	mustAdd(t, r, "after")

	err := r.Run(context.Background())

	require.ErrorIs(t, err, ErrExecution)
	require.Contains(t, err.Error(), "kaboom")
	require.Equal(t, []string{"boom"}, *ran)
}

func TestRun_ObserverSeesDurationsAndErrors(t *testing.T) {
	type finish struct {
		name string
		err  error
	}
	var finished []finish
	cause := errors.New("nope")
	r, _ := newTestRegistry(t, WithObserver(ObserverFuncs{
		Finished: func(name string, took time.Duration, err error) {
			require.GreaterOrEqual(t, took, time.Duration(0))
			finished = append(finished, finish{name, err})
		},
	}))
	mustAdd(t, r, "ok")
	require.NoError(t, r.Add("bad", failing(cause)))

	require.Error(t, r.Run(context.Background()))

	// the last WithObserver wins, the capture observer from newTestRegistry is replaced
	require.Equal(t, []finish{{"ok", nil}, {"bad", cause}}, finished)
}

func TestRun_EmptyRegistry(t *testing.T) {
	r, ran := newTestRegistry(t)
	require.NoError(t, r.Run(context.Background()))
	require.Empty(t, *ran)
}

func TestRun_UnitSeesLoggerInContext(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Add("ctx", func(*testStack, *testConfig) (Runner, error) {
		return RunnerFunc(func(ctx context.Context) error {
			if ctx == nil {
				return errors.New("nil context")
			}
			return nil
		}), nil
	}))
	require.NoError(t, r.Run(context.Background()))
}

func TestObservers_FanOut(t *testing.T) {
	var a, b []string
	o := Observers(
		ObserverFuncs{Started: func(n string) { a = append(a, n) }},
		nil,
		ObserverFuncs{Started: func(n string) { b = append(b, n) }},
	)
	o.UnitStarted("foo")
	o.UnitFinished("foo", time.Millisecond, nil)

	require.Equal(t, []string{"foo"}, a)
	require.Equal(t, []string{"foo"}, b)
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "before", KindBefore.String())
	require.Equal(t, "after", KindAfter.String())
	require.Equal(t, "none", KindNone.String())
}
