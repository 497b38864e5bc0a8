package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openshowtech/showsync/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued local writes awaiting upload",
	Long: `List the pending mutation queue in upload order. With --failed,
list mutations that exhausted their retries instead; these are retained
for inspection and never uploaded again automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		showFailed, _ := cmd.Flags().GetBool("failed")
		ctx := context.Background()

		r, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		var muts []*store.Mutation
		if showFailed {
			muts, err = r.FailedMutations(ctx)
		} else {
			muts, err = r.PendingMutations(ctx)
		}
		if err != nil {
			return err
		}

		if len(muts) == 0 {
			if showFailed {
				fmt.Println("No failed mutations")
			} else {
				fmt.Println("Queue is empty")
			}
			return nil
		}

		for _, m := range muts {
			line := fmt.Sprintf("%5d  %-7s %-20s %-26s retries=%d", m.Seq, m.Op, m.Table, m.RowID, m.Retries)
			if len(m.DependsOn) > 0 {
				line += fmt.Sprintf("  deps=%d", len(m.DependsOn))
			}
			if m.Error != "" {
				line += "  last error: " + m.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().Bool("failed", false, "Show permanently failed mutations")
	rootCmd.AddCommand(queueCmd)
}
