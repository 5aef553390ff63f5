package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints the watermark.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last downloaded TWIC issue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			wm, ok, err := appInstance.Tracker.Last(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "no downloads recorded yet")
				return nil
			}
			fmt.Fprintf(out, "Last Download: %s : %d\n", wm.LastDate.Format(time.DateOnly), wm.LastID)
			if !wm.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "Recorded at:   %s\n", wm.UpdatedAt.Format(time.RFC3339))
			}
			fmt.Fprintf(out, "Policy:        %s\n", appInstance.Tracker.Policy())
			return nil
		},
	}
}
