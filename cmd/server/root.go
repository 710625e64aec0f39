package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/shortstack/internal/assets"
	"github.com/keithlinneman/shortstack/internal/cfg"
	"github.com/keithlinneman/shortstack/internal/log"
	"github.com/keithlinneman/shortstack/internal/metrics"
	"github.com/keithlinneman/shortstack/internal/stack"
	"github.com/keithlinneman/shortstack/internal/version"
)

const stackName = "short"

func newRootCmd() *cobra.Command {
	var conf cfg.App

	root := &cobra.Command{
		Use:           "shortstack",
		Short:         "Boot and serve a short stack",
		Long:          "shortstack boots an ordered pipeline of units (tracing, profiling, metrics, aws, assets, routes, listeners) and serves the resulting stack next to an ops listener.",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Load(cmd.Flags(), &conf, func(format string, args ...any) {
				fmt.Fprintf(cmd.ErrOrStderr(), format+"\n", args...)
			}); err != nil {
				return err
			}
			if err := cfg.Validate(conf); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return nil
		},
	}
	cfg.Register(root.PersistentFlags(), &conf)

	serve := newServeCmd(&conf)
	root.RunE = serve.RunE
	root.AddCommand(serve, newBootOrderCmd(&conf), newVersionCmd())
	return root
}

func newLogger(conf *cfg.App, w io.Writer) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, err
	}
	vi := version.Get()
	return log.New(log.Options{
		App:               version.AppName,
		Component:         "server",
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		Writer:            w,
	})
}

// buildStack creates the demo stack with the default boot units. Nothing
// runs until Boot.
func buildStack(conf *cfg.App, L log.Logger) (*stack.Stack, error) {
	s := stack.New(stackName, conf, stack.WithLogger(L), stack.WithMetrics(metrics.New()))
	err := stack.RegisterDefaults(s, stack.Deps{
		Component:  "server",
		Routes:     []stack.Route{{Pattern: "/", Handler: newDemoController(s).Router()}},
		AssetsPoll: assets.DefaultPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
