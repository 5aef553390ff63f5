package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/twicsync/internal/app"
	"github.com/JakeFAU/twicsync/internal/twic"
)

// newSyncCmd creates the 'sync' subcommand, a single orchestrator run.
func newSyncCmd() *cobra.Command {
	var flags app.SyncFlags
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download every missing TWIC issue",
		Long: `Checks the TWIC index against the stored watermark. When a new issue is
listed (or --force is given) every issue on the index whose PGN is missing
locally is downloaded and unpacked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			engine, err := appInstance.Engine(flags)
			if err != nil {
				return fmt.Errorf("build sync engine: %w", err)
			}
			report, err := engine.Run(cmd.Context())
			printReport(cmd, report, flags.DryRun)
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "sweep the index even when no new issue is listed")
	cmd.Flags().BoolVar(&flags.Combine, "combine", false, "write the combined PGN after downloading")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report missing issues without downloading or updating state")
	return cmd
}

func printReport(cmd *cobra.Command, report twic.RunReport, dryRun bool) {
	out := cmd.OutOrStdout()
	if report.Newest.ID == 0 {
		return
	}
	fmt.Fprintf(out, "newest: %s\n", report.Newest)
	if !report.Synced() {
		fmt.Fprintln(out, "no new games")
		return
	}
	if dryRun {
		fmt.Fprintf(out, "would download: %s\n", ids(report.Pending))
		return
	}
	fmt.Fprintf(out, "downloaded: %s\n", ids(report.Downloaded))
	if len(report.Failed) > 0 {
		fmt.Fprintf(out, "failed: %s\n", ids(report.Failed))
	}
	if report.Combined != "" {
		fmt.Fprintf(out, "combined: %s\n", report.Combined)
	}
}

func ids(list []int) string {
	if len(list) == 0 {
		return "none"
	}
	parts := make([]string, len(list))
	for i, id := range list {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " ")
}
