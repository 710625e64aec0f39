package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
)

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(target string) *http.Request {
	return httptest.NewRequest(http.MethodGet, target, http.NoBody)
}

func TestNewHandler_Routes(t *testing.T) {
	h := NewHandler(&Options{
		Routes: func(r chi.Router) {
			r.Get("/api/hello", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("hi"))
			})
		},
		NotFound: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		}),
	})

	rec := serve(h, get("/api/hello"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hi", rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	require.Equal(t, http.StatusGone, serve(h, get("/elsewhere")).Code)
}

func TestNewHandler_NoOptions(t *testing.T) {
	h := NewHandler(&Options{})
	rec := serve(h, get("/"))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"), "headers on 404 too")
	require.Equal(t, http.StatusNotFound, serve(h, get(HealthPath)).Code)
}

func TestNewHandler_Probes(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: gate.Probe(),
		NotFound:  http.NotFoundHandler(),
	})
	require.Equal(t, http.StatusOK, serve(h, get(HealthPath)).Code)
	require.Equal(t, http.StatusOK, serve(h, get(ReadyPath)).Code)
	gate.Set("draining")
	rec := serve(h, get(ReadyPath))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "draining")
}

func TestNewHandler_Recover(t *testing.T) {
	panicky := func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}
	panics := 0
	h := NewHandler(&Options{Routes: panicky, UseRecoverMW: true, OnPanic: func() { panics++ }})
	rec := serve(h, get("/boom"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, panics)
	require.NotEmpty(t, rec.Header().Get("X-Frame-Options"))

	h = NewHandler(&Options{Routes: panicky})
	require.Panics(t, func() { serve(h, get("/boom")) })
}

func TestNewHandler_RateLimitSeesClientIP(t *testing.T) {
	var seen string
	h := NewHandler(&Options{
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: 1},
		RateLimitMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = httpmw.ClientIPFromContext(r.Context())
				w.WriteHeader(http.StatusTooManyRequests)
			})
		},
	})
	req := get("/")
	req.RemoteAddr = "10.0.0.2:5000"
	req.Header.Set("X-Forwarded-For", "198.51.100.9")
	require.Equal(t, http.StatusTooManyRequests, serve(h, req).Code)
	require.Equal(t, "198.51.100.9", seen)
}

func TestNewHandler_MetricsMWSeesRoute(t *testing.T) {
	calls := 0
	h := NewHandler(&Options{
		MetricsMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				next.ServeHTTP(w, r)
			})
		},
	})
	serve(h, get("/"))
	require.Equal(t, 1, calls)
}

func TestNewHandler_MaxBody(t *testing.T) {
	var readErr error
	h := NewHandler(&Options{
		MaxBodyBytes: 8,
		Routes: func(r chi.Router) {
			r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
				_, readErr = io.ReadAll(r.Body)
			})
		},
	})
	serve(h, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 9))))
	require.Error(t, readErr)
}

func TestNewHandler_Compresses(t *testing.T) {
	body := strings.Repeat(`{"k":"v"}`, 200)
	h := NewHandler(&Options{Routes: func(r chi.Router) {
		r.Get("/json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		})
	}})
	req := get("/json")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(h, req)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	require.Less(t, rec.Body.Len(), len(body))

	require.Empty(t, serve(h, get("/json")).Header().Get("Content-Encoding"))
}

func TestShouldTrace(t *testing.T) {
	require.True(t, shouldTrace(get("/api/things")))
	require.False(t, shouldTrace(get(HealthPath)))
	require.False(t, shouldTrace(get("/static/app.CSS")))
}

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":1", http.NotFoundHandler())
	require.Equal(t, DefaultReadHeaderTimeout, srv.ReadHeaderTimeout)
	require.Equal(t, DefaultWriteTimeout, srv.WriteTimeout)
	require.Equal(t, DefaultMaxHeaderBytes, srv.MaxHeaderBytes)
}

func TestStart_ServesAndStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	stop, addr, err := Start(context.Background(), &Options{
		Listener: ln,
		Health:   health.Fixed(true, ""),
	})
	require.NoError(t, err)
	require.Equal(t, ln.Addr().String(), addr)

	resp, err := http.Get("http://" + addr + HealthPath)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, stop(ctx))
	require.NoError(t, stop(ctx))

	_, err = http.Get("http://" + addr + HealthPath)
	require.Error(t, err)
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	_, _, err = Start(context.Background(), &Options{Port: ln.Addr().(*net.TCPAddr).Port})
	require.ErrorContains(t, err, "listen on port")
}
