package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/shortstack/internal/cfg"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/version"
	"github.com/keithlinneman/shortstack/internal/xerrors"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(conf *cfg.App) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Boot the stack and serve until SIGINT or SIGTERM (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, conf)
		},
	}
}

func serve(cmd *cobra.Command, conf *cfg.App) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg, err := newLogger(conf, cmd.ErrOrStderr())
	if err != nil {
		return xerrors.Wrap(err, "logger init")
	}
	defer func() { _ = lg.Sync() }()
	ctx = log.WithContext(ctx, lg)

	vi := version.Get()
	lg.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildID,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"config_file", conf.ConfigFile,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"enable_assets", conf.EnableAssets,
		"trace_sample", conf.TraceSample,
	)

	s, err := buildStack(conf, lg)
	if err != nil {
		return xerrors.Wrap(err, "configure stack")
	}
	if err := s.Boot(ctx); err != nil {
		lg.Error(ctx, err, "boot failed")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.Shutdown(sctx)
		return err
	}

	if err := notifySystemd(); err != nil {
		// systemd kills the unit after its start timeout at worst
		lg.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	lg.Info(bg, "shutdown signal received")

	// fail readiness first so load balancers stop routing here
	s.Gate.Set("draining")
	drain(bg, lg, conf.DrainPeriod)

	sctx, cancel := context.WithTimeout(bg, shutdownTimeout)
	defer cancel()
	err = s.Shutdown(sctx)
	lg.Info(bg, "shutdown complete")
	return err
}

// drain waits out the drain period; a second signal cuts it short.
func drain(ctx context.Context, L log.Logger, period time.Duration) {
	if period <= 0 {
		return
	}
	L.Info(ctx, "draining", "period", period.String())
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(period)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify write")
	}
	return xerrors.Wrap(conn.Close(), "systemd notify close")
}
