package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BackupWriter maintains a durable side-channel copy of the mutation queue
// outside the primary store, so queued offline writes survive loss of the
// primary database. Writes are debounced: callers mark the backup dirty
// after each confirmed upload and the writer flushes after a quiet period.
type BackupWriter struct {
	store    *Store
	path     string
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	dirty    bool
	queuedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackupWriter creates a backup writer for the given store.
// If logger is nil, a default logger writing to stderr is used.
func NewBackupWriter(store *Store, path string, interval time.Duration, logger *log.Logger) *BackupWriter {
	if logger == nil {
		logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &BackupWriter{
		store:    store,
		path:     path,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background flush loop.
func (b *BackupWriter) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop flushes any pending snapshot and stops the writer.
func (b *BackupWriter) Stop() {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	dirty := b.dirty
	b.mu.Unlock()
	if dirty {
		if err := b.Flush(context.Background()); err != nil {
			b.logger.Printf("Error flushing backup on stop: %v", err)
		}
	}
}

// Queue marks the backup stale. The snapshot is written once the debounce
// interval elapses with no further Queue calls.
func (b *BackupWriter) Queue() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = true
	b.queuedAt = time.Now()
}

// Flush writes the current mutation queue snapshot immediately.
func (b *BackupWriter) Flush(ctx context.Context) error {
	muts, err := b.store.AllMutations(ctx)
	if err != nil {
		return fmt.Errorf("failed to read mutations for backup: %w", err)
	}

	data, err := json.MarshalIndent(muts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup: %w", err)
	}

	// Write-then-rename keeps the backup readable if we crash mid-write.
	tmp := b.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace backup: %w", err)
	}

	b.mu.Lock()
	b.dirty = false
	b.mu.Unlock()

	return nil
}

// run processes the debounce loop.
func (b *BackupWriter) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-ticker.C:
			b.mu.Lock()
			due := b.dirty && time.Since(b.queuedAt) >= b.interval
			b.mu.Unlock()
			if !due {
				continue
			}
			if err := b.Flush(b.ctx); err != nil {
				b.logger.Printf("Error writing mutation backup: %v", err)
			}
		}
	}
}

// RestoreBackup reloads the mutation queue from the side-channel backup if
// the primary queue is empty, which indicates the primary store was lost or
// recreated. Failed entries are restored along with pending ones so a
// permanently failed write stays inspectable after a cache rebuild. Returns
// the number of mutations restored.
func (s *Store) RestoreBackup(ctx context.Context, path string) (int, error) {
	count, err := s.MutationCount(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		// Primary queue intact; backup is not authoritative.
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read mutation backup: %w", err)
	}

	var muts []*Mutation
	if err := json.Unmarshal(data, &muts); err != nil {
		return 0, fmt.Errorf("failed to parse mutation backup: %w", err)
	}

	restored := 0
	for _, m := range muts {
		if err := s.AppendMutation(ctx, m); err != nil {
			return restored, fmt.Errorf("failed to restore mutation %s: %w", m.ID, err)
		}
		restored++
	}
	return restored, nil
}
