package opshttp

import (
	"net"
	"net/http"

	"github.com/keithlinneman/shortstack/internal/health"
)

type Options struct {
	// Port is used when Listener is nil; 0 means 9000.
	Port     int
	Listener net.Listener

	Metrics   http.Handler
	Health    health.Probe
	Readiness health.Probe

	// BootOrder, when set, is served at /-/boot.
	BootOrder http.Handler

	EnablePprof  bool
	UseRecoverMW bool
	OnPanic      func()
}
