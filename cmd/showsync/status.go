package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache contents and recent sync history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		r, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		stats, err := r.CacheStats(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Cache:")
		var totalRows int
		var totalBytes int64
		for _, table := range r.Tables() {
			st := stats[table]
			fmt.Printf("  %-20s %6d rows  %8.1f KB  %d dirty\n",
				table, st.Rows, float64(st.Bytes)/1024, st.Dirty)
			totalRows += st.Rows
			totalBytes += st.Bytes
		}
		fmt.Printf("  %-20s %6d rows  %8.1f KB\n", "total", totalRows, float64(totalBytes)/1024)

		pending, err := r.PendingMutations(ctx)
		if err != nil {
			return err
		}
		failed, err := r.FailedMutations(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nQueue: %d pending, %d failed\n", len(pending), len(failed))

		history := r.History()
		if len(history) > 0 {
			fmt.Println("\nRecent syncs:")
			start := 0
			if len(history) > 10 {
				start = len(history) - 10
			}
			for _, res := range history[start:] {
				status := "ok"
				if res.Err != nil {
					status = "FAILED: " + res.Err.Error()
				}
				fmt.Printf("  %s  %-20s %-11s %5d rows  %s\n",
					res.StartedAt.Format("15:04:05"), res.Table, res.Op, res.RowsAffected, status)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
