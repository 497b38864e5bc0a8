package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Shrink the cache to a target size",
	Long: `Evict least-recently-accessed rows until the cache is at or under
the target size. Rows with unsynced local changes are never evicted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		targetMB, _ := cmd.Flags().GetInt("target-mb")
		if targetMB < 0 {
			return fmt.Errorf("--target-mb must be non-negative")
		}
		ctx := context.Background()

		r, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		evicted, err := r.EvictLRU(ctx, targetMB)
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %d rows\n", evicted)
		return nil
	},
}

func init() {
	evictCmd.Flags().Int("target-mb", 0, "Target cache size in megabytes")
	_ = evictCmd.MarkFlagRequired("target-mb")
	rootCmd.AddCommand(evictCmd)
}
