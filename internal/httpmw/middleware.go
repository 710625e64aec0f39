package httpmw

import "net/http"

// Middleware is the shape every function in this package returns.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so mws[0] sees the request first. Nil entries are skipped,
// which lets callers leave optional middlewares unset.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := range mws {
		mw := mws[len(mws)-1-i]
		if mw == nil {
			continue
		}
		h = mw(h)
	}
	return h
}

// MaxBody caps request bodies at n bytes. Reading past the cap fails and the
// server answers 413. n <= 0 disables the cap.
func MaxBody(n int64) Middleware {
	if n <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
