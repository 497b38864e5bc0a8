package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/openshowtech/showsync/internal/config"
	"github.com/openshowtech/showsync/internal/replica"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run showsync as a long-lived process: live change-feed subscriptions
for every registered table, periodic background sync, and upload of
queued local writes.

When --tables points at an external registry file, the daemon watches it
and picks up newly added tables without a restart.

Example usage:
  showsync daemon                          # Log to stderr
  showsync daemon --log-file sync.log      # Rotating log file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")

		logger := log.New(os.Stderr, "[showsync] ", log.LstdFlags)
		if logFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}, "[showsync] ", log.LstdFlags)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := replica.New(ctx, cfg, &replica.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer r.Close()

		if err := r.WaitForSubscriptionsReady(ctx); err != nil {
			return err
		}
		r.StartAutoSync(ctx)
		defer r.StopAutoSync()

		if tablesFile != "" {
			watcher, err := watchTables(ctx, r, tablesFile, logger)
			if err != nil {
				logger.Printf("Table registry watch unavailable: %v", err)
			} else {
				defer watcher.Close()
			}
		}

		fmt.Printf("Daemon running (session %s). Press Ctrl+C to stop.\n", r.SessionID())
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return nil
	},
}

// watchTables reloads the external table registry on change and registers
// tables added since startup. Removals require a restart.
func watchTables(ctx context.Context, r *replica.Replica, path string, logger *log.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Debounce editor write bursts.
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()

				specs, err := config.LoadTables(path)
				if err != nil {
					logger.Printf("Ignoring table registry change: %v", err)
					continue
				}
				known := make(map[string]bool)
				for _, t := range r.Tables() {
					known[t] = true
				}
				for _, spec := range specs {
					if known[spec.Name] {
						continue
					}
					if err := r.RegisterTable(ctx, spec); err != nil {
						logger.Printf("Failed to register %s: %v", spec.Name, err)
						continue
					}
					logger.Printf("Registered new table %s", spec.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("Table registry watch error: %v", err)
			}
		}
	}()
	return watcher, nil
}

func init() {
	daemonCmd.Flags().String("log-file", "", "Log to a rotating file instead of stderr")
	rootCmd.AddCommand(daemonCmd)
}
