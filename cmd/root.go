// Package cmd defines the crawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/app"
	"github.com/JakeFAU/frontier-crawler/internal/config"
	"github.com/JakeFAU/frontier-crawler/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it.
var newApp = app.New

// exitError carries a non-zero exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// session owns the services built by the root command so they are closed
// even when a subcommand fails.
type session struct {
	cfgFile string
	app     *app.App
}

func (s *session) close() {
	if s.app == nil {
		return
	}
	if err := s.app.Close(); err != nil {
		s.app.Logger.Warn("close services", zap.Error(err))
	}
	_ = s.app.Logger.Sync()
	s.app = nil
}

func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawler",
		Short: "A persistent, resumable web crawler.",
		Long: `crawler walks the web from a seed URL, keeping its frontier, page records,
raw content and per-host cooldowns in a durable store so that a stopped crawl
resumes exactly where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(s.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			s.app = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "",
		"config file (default is crawler.yaml in "+config.ConfigDir()+" or the working directory)")

	cmd.AddCommand(
		newCrawlCmd(),
		newMigrateCmd(),
		newRetryCmd(),
		newBackfillCmd(),
		newStatusCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	s := &session{}
	defer s.close()

	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "Error:", err)
	return 1
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr)
}
