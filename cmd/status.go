package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints frontier, page and cooldown counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			active, err := a.Store.Active(cmd.Context())
			if err != nil {
				return fmt.Errorf("read cooldowns: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Frontier", "Claimed", "Pages", "Cooldowns"})
			t.AppendRow(table.Row{stats.FrontierTotal, stats.FrontierClaimed, stats.Pages, stats.ActiveCooldowns})
			t.Render()

			if len(active) == 0 {
				return nil
			}
			now := a.Clock.Now()
			c := table.NewWriter()
			c.SetOutputMirror(cmd.OutOrStdout())
			c.SetStyle(table.StyleLight)
			c.AppendHeader(table.Row{"Host", "Expires", "Remaining"})
			for _, e := range active {
				c.AppendRow(table.Row{
					e.Host,
					e.ExpireAt.UTC().Format(time.RFC3339),
					e.ExpireAt.Sub(now).Round(time.Second),
				})
			}
			c.Render()
			return nil
		},
	}
}
