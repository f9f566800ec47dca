package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/frontier-crawler/internal/api"
	"github.com/JakeFAU/frontier-crawler/internal/sweeper"
)

func newCrawlCmd() *cobra.Command {
	var start, limitTo string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl controller",
		Long: `Seeds the frontier with --start (when given) and crawls until interrupted.
Without --start the crawl resumes from the persisted frontier. SIGINT or
SIGTERM drains in-flight workers; the exit status is 1 when workers had to
be terminated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, start, limitTo)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "seed URL; empty resumes from the frontier")
	cmd.Flags().StringVar(&limitTo, "limit-to", "", "only crawl URLs on this hostname")
	return cmd
}

func runCrawl(cmd *cobra.Command, start, limitTo string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := a.WithPipeline(ctx); err != nil {
		return err
	}
	ctl, err := a.NewController(start, limitTo)
	if err != nil {
		return err
	}

	sw, err := sweeper.New(a.Store, a.Config.Cooldown.SweepSchedule, logger.Named("sweeper"))
	if err != nil {
		return err
	}
	sw.Start()
	defer sw.Stop(context.WithoutCancel(ctx))

	adminCtx, stopAdmin := context.WithCancel(context.WithoutCancel(ctx))
	adminDone := make(chan struct{})
	if a.Config.Admin.Enabled {
		srv := api.NewServer(a.Store, ctl, a.Config.Admin.APIKey, logger.Named("api"))
		go func() {
			defer close(adminDone)
			if err := srv.ListenAndServe(adminCtx, a.Config.Admin.Addr); err != nil {
				logger.Error("admin server stopped", zap.Error(err))
			}
		}()
	} else {
		close(adminDone)
	}
	defer func() {
		stopAdmin()
		<-adminDone
	}()

	summary, err := ctl.Run(ctx)
	fmt.Fprintf(cmd.OutOrStdout(),
		"processed=%d failed=%d cooldowns=%d released=%d forced=%t\n",
		summary.Processed, summary.Failed, summary.Cooldowns, summary.Released, summary.Forced)
	if err != nil {
		return fmt.Errorf("crawl halted: %w", err)
	}
	if code := summary.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}
