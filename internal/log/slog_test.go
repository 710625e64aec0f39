package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/shortstack/internal/xerrors"
)

type capture struct{ bytes.Buffer }

func newTestLogger(t *testing.T, opts Options) (Logger, *capture) {
	t.Helper()
	var buf capture
	opts.Writer = &buf
	opts.JSON = true
	if opts.App == "" {
		opts.App = "test"
	}
	l, err := New(opts)
	require.NoError(t, err)
	return l, &buf
}

// records parses every JSON line written so far.
func (c *capture) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(c.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func (c *capture) last(t *testing.T) map[string]any {
	t.Helper()
	recs := c.records(t)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1]
}

func TestSlog_BaseAttrs(t *testing.T) {
	l, buf := newTestLogger(t, Options{App: "shortstack", Component: "server", Version: "1.0.0"})
	l.Info(context.Background(), "hello", "port", 8080)

	rec := buf.last(t)
	require.Equal(t, "hello", rec["msg"])
	require.Equal(t, "shortstack", rec["app"])
	require.Equal(t, "server", rec["component"])
	require.Equal(t, "1.0.0", rec["version"])
	require.EqualValues(t, 8080, rec["port"])
	require.NotContains(t, rec, "commit")
}

func TestSlog_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{App: "txt", Writer: &buf})
	require.NoError(t, err)
	l.Info(context.Background(), "plain")
	require.Contains(t, buf.String(), "msg=plain")
	require.Contains(t, buf.String(), "app=txt")
}

func TestSlog_LevelFiltering(t *testing.T) {
	l, buf := newTestLogger(t, Options{Level: slog.LevelWarn})
	ctx := context.Background()
	l.Debug(ctx, "debug")
	l.Info(ctx, "info")
	l.Warn(ctx, "warn")
	require.Len(t, buf.records(t), 1)
	require.Equal(t, "warn", buf.last(t)["msg"])
}

func TestSlog_WithIsCopyOnWrite(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	a := l.With("unit", "a")
	b := l.With("unit", "b", 42, "dropped", "odd")

	a.Info(context.Background(), "from a")
	require.Equal(t, "a", buf.last(t)["unit"])

	b.Info(context.Background(), "from b")
	rec := buf.last(t)
	require.Equal(t, "b", rec["unit"])
	require.NotContains(t, rec, "dropped")

	l.Info(context.Background(), "from base")
	require.NotContains(t, buf.last(t), "unit")
}

func TestSlog_ErrorEnrichment(t *testing.T) {
	l, buf := newTestLogger(t, Options{IncludeErrorLinks: true, MaxErrorLinks: 4})
	base := errors.New("connection refused")
	err := xerrors.Wrap(fmt.Errorf("dial: %w", base), "boot unit aws")

	l.Error(context.Background(), err, "boot failed", "boot_unit", "aws")

	rec := buf.last(t)
	require.Equal(t, "ERROR", rec["level"])
	require.Equal(t, "aws", rec["boot_unit"])
	require.Equal(t, "*errors.errorString", rec["cause_type"])
	require.Equal(t, "*errors.errorString", rec["error_type"])
	require.Len(t, rec["error_chain"], 3)
	require.NotEmpty(t, rec["error_links"])
	require.NotEmpty(t, rec["stack"])
}

func TestSlog_ErrorNil(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	l.Error(context.Background(), nil, "nothing to see")
	rec := buf.last(t)
	require.NotContains(t, rec, "err")
	require.NotContains(t, rec, "error_links")
}

func TestSlog_StackOnlyAtOrAboveLevel(t *testing.T) {
	l, buf := newTestLogger(t, Options{StacktraceLevel: slog.LevelError})
	l.Warn(context.Background(), "no stack")
	require.NotContains(t, buf.last(t), "stack")

	l.Error(context.Background(), xerrors.New("boom"), "with stack")
	require.NotEmpty(t, buf.last(t)["stack"])
}

func TestSlog_TraceFields(t *testing.T) {
	l, buf := newTestLogger(t, Options{})
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")
	rec := buf.last(t)
	require.Equal(t, sc.TraceID().String(), rec["trace_id"])
	require.Equal(t, sc.SpanID().String(), rec["span_id"])

	l.Info(context.Background(), "untraced")
	require.NotContains(t, buf.last(t), "trace_id")
}

func TestErrorChain(t *testing.T) {
	require.Empty(t, errorChain(nil))

	inner := errors.New("inner")
	require.Equal(t, []string{"outer: inner", "inner"}, errorChain(fmt.Errorf("outer: %w", inner)))

	// xerrors.WithStack repeats its child's message
	require.Equal(t, []string{"inner"}, errorChain(xerrors.WithStack(inner)))

	joined := errors.Join(errors.New("a"), errors.New("b"))
	require.Equal(t, []string{"a\nb", "a", "b"}, errorChain(joined))
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := errors.New("root")
	for i := range 10 {
		err = xerrors.Wrapf(err, "layer %d", i)
	}
	require.Len(t, chainLinks(err, 3), 3)
	require.Len(t, chainLinks(nil, 3), 0)
}

func TestClassifyTypes(t *testing.T) {
	s, r := classifyTypes(nil)
	require.Empty(t, s)
	require.Empty(t, r)

	s, r = classifyTypes(xerrors.New("only wrappers"))
	require.Equal(t, "*errors.errorString", s)
	require.Equal(t, "*errors.errorString", r)
}

func TestFirstExtFrame_Empty(t *testing.T) {
	_, _, _, ok := firstExtFrame(nil)
	require.False(t, ok)
}
