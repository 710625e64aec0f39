package httpmw

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

// Recover turns a handler panic into a logged error and a 500. onPanic, when
// set, runs after logging (the panic counter hooks in here).
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func Recover(L log.Logger, onPanic func()) Middleware {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %s", fmt.Sprint(rec))
				}

				ctx := r.Context()
				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.RecordError(err)
					span.SetStatus(codes.Error, "panic")
				}
				L.With("http.request.method", r.Method, "url.path", r.URL.Path).
					Error(ctx, err, "httpserver panic recovered")
				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
