package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/shortstack/internal/version"
)

func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		// needs no config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			vi := version.Get()
			if output == outputText {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), vi.Short())
				return err
			}
			return encode(cmd.OutOrStdout(), output, vi)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "text|json|yaml")
	return cmd
}
