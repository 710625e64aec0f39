// Package opshttp is the operator listener: probes, metrics, boot order and
// pprof, reachable only from loopback, private and link-local peers.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"

	"github.com/keithlinneman/shortstack/internal/health"
	"github.com/keithlinneman/shortstack/internal/httpmw"
	"github.com/keithlinneman/shortstack/internal/httpserver"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

const DefaultPort = 9000

// RegisterPprof mounts the net/http/pprof handlers under /debug/pprof/.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// NewHandler builds the ops mux behind the network guard.
func NewHandler(L log.Logger, opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(httpserver.HealthPath, health.HealthzHandler(opts.Health))
	mux.Handle(httpserver.ReadyPath, health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.BootOrder != nil {
		mux.Handle("/-/boot", opts.BootOrder)
	}
	if opts.EnablePprof {
		RegisterPprof(mux)
	} else {
		mux.HandleFunc("/debug/pprof/", http.NotFound)
	}

	var h http.Handler = mux
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return requireNonPublicNetwork(L, h)
}

// requireNonPublicNetwork answers 403 unless the peer is loopback, private
// or link-local. Forwarded headers are never consulted.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip, err := netip.ParseAddr(host)
		if err == nil {
			ip = ip.Unmap()
		}
		if err != nil || !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"remote_addr", r.RemoteAddr, "url.path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start serves the ops handler and returns an idempotent stop func and the
// bound address.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, string, error) {
	if L == nil {
		L = log.Nop()
	}
	ln := opts.Listener
	if ln == nil {
		port := opts.Port
		if port == 0 {
			port = DefaultPort
		}
		var err error
		ln, err = (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, "", xerrors.Wrapf(err, "could not listen for admin port %d", port)
		}
	}
	addr := ln.Addr().String()
	srv := httpserver.NewServer(addr, NewHandler(L, opts))
	// profiles run longer than the default write timeout
	if opts.EnablePprof {
		srv.WriteTimeout = 0
	}
	return httpserver.Serve(ctx, L, "ops", srv, ln), addr, nil
}
