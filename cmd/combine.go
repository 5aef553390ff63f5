package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCombineCmd creates the 'combine' subcommand.
func newCombineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine",
		Short: "Concatenate every downloaded PGN into one file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Combine(cmd.Context())
			if err != nil {
				return fmt.Errorf("combine: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "combined %d files into %s\n", n, appInstance.Config.Combine.Output)
			return nil
		},
	}
}
