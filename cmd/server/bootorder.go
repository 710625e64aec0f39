package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/shortstack/internal/bootloader"
	"github.com/keithlinneman/shortstack/internal/cfg"
	"github.com/keithlinneman/shortstack/internal/log"
)

type bootPlan struct {
	Stack string                 `json:"stack" yaml:"stack"`
	Units []bootloader.PlanEntry `json:"units" yaml:"units"`
}

func newBootOrderCmd(conf *cfg.App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bootorder",
		Short: "Print the resolved boot order without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			s, err := buildStack(conf, log.Nop())
			if err != nil {
				return err
			}
			plan := bootPlan{Stack: s.Name, Units: s.BootLoader().Plan()}
			if output == outputText {
				return writePlan(cmd.OutOrStdout(), plan)
			}
			return encode(cmd.OutOrStdout(), output, plan)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "text|json|yaml")
	return cmd
}

func writePlan(w io.Writer, p bootPlan) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tUNIT\tCONSTRAINT\n")
	for _, u := range p.Units {
		constraint := "-"
		switch {
		case u.Before != "":
			constraint = "before " + u.Before
		case u.After != "":
			constraint = "after " + u.After
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", u.Position, u.Name, constraint)
	}
	return tw.Flush()
}
