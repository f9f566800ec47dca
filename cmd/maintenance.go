package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/frontier-crawler/internal/maintenance"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the store schema and indices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate store: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry URL",
		Short: "Forgets a page and puts its URL back on the frontier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			queued, err := maintenance.Retry(cmd.Context(), a.Store, args[0])
			if err != nil {
				return err
			}
			if queued {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already on the frontier\n", args[0])
			}
			return nil
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-fetches raw content for html pages that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.WithPipeline(cmd.Context()); err != nil {
				return err
			}
			report, err := maintenance.Backfill(cmd.Context(), a.Store, a.Processor, limit, a.Logger.Named("backfill"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d stored=%d failed=%d\n",
				report.Scanned, report.Stored, report.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "stop after this many pages are stored")
	return cmd
}
