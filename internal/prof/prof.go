// Package prof runs the continuous pyroscope profiler for the process.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnActive is told when profiling starts and stops.
	OnActive func(bool)
}

type stopper interface{ Stop() error }

var startProfiler = func(cfg pyroscope.Config) (stopper, error) {
	return pyroscope.Start(cfg)
}

// Start begins profiling and returns the func that stops it. The returned
// func is always non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx).With("component", "prof")
	active := opts.OnActive
	if active == nil {
		active = func(bool) {}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		active(false)
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		return func() {}, xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	p, err := startProfiler(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{L: L},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "pyroscope start (%s)", opts.ServerAddress)
	}

	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress, "app_name", opts.AppName)
	active(true)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		if err := p.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop", "err", err)
		}
		active(false)
		L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
	}, nil
}

// pyroLogger routes the profiler's own chatter through our logger.
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...interface{}) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...interface{}) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...interface{}) {
	p.L.Warn(context.Background(), fmt.Sprintf(format, args...))
}
