package log

import "context"

type ctxKey struct{}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithFields returns a copy of ctx whose logger carries kv on every line.
func WithFields(ctx context.Context, kv ...any) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	return WithContext(ctx, FromContext(ctx).With(kv...))
}

// FromContext returns the Logger stored in ctx. Code running outside a
// boot or a request gets Nop.
func FromContext(ctx context.Context) Logger {
	l, _ := ctx.Value(ctxKey{}).(Logger)
	if l == nil {
		return Nop()
	}
	return l
}
