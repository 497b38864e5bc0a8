package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openshowtech/showsync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync [table]",
	Short: "Run a sync cycle, or sync a single table",
	Long: `Run one sync cycle: pending local writes are uploaded first, then
every registered table is synced incrementally. With a table argument,
only that table is synced.

A table whose last full sync is older than the configured interval is
fully re-downloaded, which is also how remote-side deletions are picked
up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		ctx := context.Background()

		r, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		if len(args) == 1 {
			table := args[0]
			var res engine.Result
			if full {
				res = r.RefreshTable(ctx, table)
			} else {
				res = r.SyncTable(ctx, table)
			}
			if res.Err != nil {
				return fmt.Errorf("sync of %s failed: %w", table, res.Err)
			}
			fmt.Printf("%s: %s sync, %d rows, %d conflicts, %s\n",
				res.Table, res.Op, res.RowsAffected, res.ConflictsResolved, res.Duration.Round(0))
			return nil
		}

		results := r.SyncAll(ctx)
		failed := 0
		for _, res := range results {
			if res.Err != nil {
				failed++
				fmt.Printf("%-20s %s FAILED: %v\n", res.Table, res.Op, res.Err)
				continue
			}
			fmt.Printf("%-20s %-11s %5d rows  %s\n",
				res.Table, res.Op, res.RowsAffected, res.Duration.Round(0))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d operations failed", failed, len(results))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("full", false, "Force a full re-download")
	rootCmd.AddCommand(syncCmd)
}
