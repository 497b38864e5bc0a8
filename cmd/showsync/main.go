// showsync is the command-line front end for the replication engine:
// one-shot syncs, cache inspection, queue management, and the long-running
// daemon mode.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openshowtech/showsync/internal/config"
	"github.com/openshowtech/showsync/internal/replica"
)

var (
	cfgFile    string
	tablesFile string
)

var rootCmd = &cobra.Command{
	Use:   "showsync",
	Short: "Offline-first replication for show data",
	Long: `showsync keeps a local SQLite cache in sync with the remote backend.

Reads are served from the cache. Writes are applied locally, queued
durably, and uploaded when the backend is reachable. Remote changes
arrive over the live change feed or the periodic sync cycle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "showsync.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&tablesFile, "tables", "", "Table registry file (overrides config)")
}

// loadConfig reads the config file and, when --tables is given, replaces
// the table registry with the external file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if tablesFile != "" {
		tables, err := config.LoadTables(tablesFile)
		if err != nil {
			return nil, err
		}
		cfg.Tables = tables
	}
	return cfg, nil
}

// openReplica builds a replica from the config files. The caller must
// Close it.
func openReplica(ctx context.Context) (*replica.Replica, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return replica.New(ctx, cfg, nil)
}
