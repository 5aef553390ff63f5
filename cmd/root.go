// Package cmd defines and implements the CLI commands for the twicsync executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/app"
	"github.com/JakeFAU/twicsync/internal/config"
	"github.com/JakeFAU/twicsync/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject doubles.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// session owns the App built for one invocation so Execute can close it
// even when the subcommand fails.
type session struct {
	cfgFile string
	app     *app.App
}

func (s *session) close(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close(ctx)
	s.app = nil
	return err
}

// newRootCmd creates and configures the root command.
func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "twicsync",
		Short: "Keep a local mirror of The Week in Chess PGN archives.",
		Long: `twicsync reads the TWIC index page, compares the newest issue with the
last one it downloaded, and fetches and unpacks every weekly archive that is
missing from the download directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds and injects the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(s.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "config file (YAML); TWIC_* env vars and ./.env also apply")

	cmd.AddCommand(newSyncCmd(), newCombineCmd(), newStatusCmd())
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// run executes the command tree and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s := &session{}
	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := s.close(context.WithoutCancel(ctx)); closeErr != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", closeErr)
		if err == nil {
			return 1
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the run.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}
