// Package orchestrator coordinates per-table syncs into whole-system
// cycles: single-flight execution with request queueing, auto-sync
// scheduling, quota monitoring with LRU eviction, and bounded sync history.
package orchestrator

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/openshowtech/showsync/internal/engine"
	"github.com/openshowtech/showsync/internal/events"
	"github.com/openshowtech/showsync/internal/store"
)

// Config holds orchestrator settings.
type Config struct {
	// FullSyncInterval forces a full sync when a table's last full sync
	// is older than this. Full sync is the only way remote-side deletions
	// become observable, so this is a correctness interval, not a tuning
	// knob.
	FullSyncInterval time.Duration

	// AutoSyncInterval drives the background sync timer. Zero disables
	// auto-sync.
	AutoSyncInterval time.Duration

	// SyncOnStart runs one cycle when StartAutoSync is called.
	SyncOnStart bool

	// AutoQuota enables the post-cycle quota check.
	AutoQuota bool
	// QuotaSoftLimitBytes triggers eviction when aggregate cache size
	// exceeds it.
	QuotaSoftLimitBytes int64
	// QuotaTargetBytes is the eviction target once the soft limit trips.
	QuotaTargetBytes int64

	// HistorySize bounds the sync result history.
	HistorySize int

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FullSyncInterval: 24 * time.Hour,
		AutoSyncInterval: 0,
		HistorySize:      100,
		Logger:           log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// cycleTask is one sync cycle that callers can wait on. Late callers
// attach to the queued task rather than managing their own closures; the
// queued cycle starts only after the running one completes.
type cycleTask struct {
	done    chan struct{}
	results []engine.Result
}

// Orchestrator drives whole-system sync cycles.
type Orchestrator struct {
	eng    *engine.Engine
	store  *store.Store
	bus    *events.Bus
	cfg    *Config
	logger *log.Logger

	// tables returns the currently registered table names; injected by
	// the facade so the orchestrator has no upward dependency.
	tables func() []string
	// onCacheUpdate is notified after each successful table sync.
	onCacheUpdate func(table string)

	mu      sync.Mutex
	running *cycleTask
	queued  *cycleTask
	history []engine.Result

	autoCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an orchestrator. tables is required; onCacheUpdate and bus
// may be nil.
func New(eng *engine.Engine, st *store.Store, bus *events.Bus, tables func() []string, onCacheUpdate func(table string), cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Orchestrator{
		eng:           eng,
		store:         st,
		bus:           bus,
		cfg:           cfg,
		logger:        cfg.Logger,
		tables:        tables,
		onCacheUpdate: onCacheUpdate,
	}
}

// SyncTable synchronizes one table. When the table's last full sync is
// older than FullSyncInterval, a full sync is forced regardless of caller
// intent: incremental timestamp diffing cannot observe remote deletions.
// The result is recorded in history and listeners are notified on success.
func (o *Orchestrator) SyncTable(ctx context.Context, table string, opts engine.Options) engine.Result {
	meta, err := o.store.Table(table).Meta(ctx)
	if err != nil {
		res := engine.Result{Table: table, Op: engine.OpIncremental, Err: err, StartedAt: time.Now()}
		o.record(res)
		return res
	}
	if meta == nil || meta.LastFullSyncAt.IsZero() ||
		time.Since(meta.LastFullSyncAt) > o.cfg.FullSyncInterval {
		opts.ForceFullSync = true
	}

	var res engine.Result
	if opts.ForceFullSync {
		res = o.eng.FullSync(ctx, table, opts)
	} else {
		res = o.eng.IncrementalSync(ctx, table, opts)
	}

	o.record(res)
	o.notify(res)
	return res
}

// SyncAll runs a whole-system sync cycle: first every pending mutation is
// uploaded, then every registered table is incrementally synced, per-table
// failures captured without aborting the rest.
//
// SyncAll is single-flight: if a cycle is already running, the call is
// queued (not rejected, not run concurrently) and blocks until its queued
// turn completes. All callers arriving during one running cycle share the
// same queued cycle.
func (o *Orchestrator) SyncAll(ctx context.Context) []engine.Result {
	// A started cycle always runs to completion; there is no cancellation
	// mid-sync, so the cycle must not die with the first caller's context.
	runCtx := context.WithoutCancel(ctx)

	o.mu.Lock()
	if o.running != nil {
		if o.queued == nil {
			o.queued = &cycleTask{done: make(chan struct{})}
		}
		task := o.queued
		o.mu.Unlock()
		<-task.done
		return task.results
	}

	task := &cycleTask{done: make(chan struct{})}
	o.running = task
	o.mu.Unlock()

	o.runCycle(runCtx, task)
	o.complete(runCtx, task)
	return task.results
}

// complete promotes the queued cycle (if any) to running, wakes the
// finished cycle's waiters, and starts the promoted cycle on its own
// goroutine.
func (o *Orchestrator) complete(ctx context.Context, task *cycleTask) {
	o.mu.Lock()
	next := o.queued
	o.queued = nil
	o.running = next
	o.mu.Unlock()

	close(task.done)

	if next != nil {
		go func() {
			o.runCycle(ctx, next)
			o.complete(ctx, next)
		}()
	}
}

// IsSyncInProgress reports whether a sync cycle is currently running.
func (o *Orchestrator) IsSyncInProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running != nil
}

// runCycle executes one cycle; complete releases its waiters.
func (o *Orchestrator) runCycle(ctx context.Context, task *cycleTask) {
	var results []engine.Result

	// Phase 1: upload before download, so a pull can never overwrite an
	// unsynced local write.
	upload := o.eng.UploadPendingMutations(ctx)
	o.record(upload)
	results = append(results, upload)

	// Phase 2: incremental sync of every registered table; one table's
	// failure must not prevent the others from syncing.
	for _, table := range o.tables() {
		res := o.SyncTable(ctx, table, engine.Options{})
		results = append(results, res)
		if res.Err != nil {
			o.logger.Printf("Sync of %s failed: %v", table, res.Err)
		}
	}

	if o.cfg.AutoQuota && o.cfg.QuotaSoftLimitBytes > 0 {
		total, err := o.store.TotalBytes(ctx)
		if err != nil {
			o.logger.Printf("Quota check failed: %v", err)
		} else if total > o.cfg.QuotaSoftLimitBytes {
			target := o.cfg.QuotaTargetBytes
			if target <= 0 {
				target = o.cfg.QuotaSoftLimitBytes
			}
			evicted, err := o.EvictLRU(ctx, target)
			if err != nil {
				o.logger.Printf("Quota eviction failed: %v", err)
			} else {
				o.logger.Printf("Quota: cache at %d bytes, evicted %d rows toward %d", total, evicted, target)
			}
		}
	}

	task.results = results
}

// EvictLRU brings the aggregate cache size down to targetBytes, splitting
// the target across tables proportionally to each table's share of the
// total so no single table absorbs the whole cut.
func (o *Orchestrator) EvictLRU(ctx context.Context, targetBytes int64) (int, error) {
	sizes, err := o.store.TableBytes(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, n := range sizes {
		total += n
	}
	if total <= targetBytes {
		return 0, nil
	}

	evicted := 0
	for table, size := range sizes {
		share := float64(size) / float64(total)
		tableTarget := int64(share * float64(targetBytes))
		n, err := o.store.Table(table).EvictLRU(ctx, tableTarget)
		if err != nil {
			return evicted, err
		}
		evicted += n
	}
	return evicted, nil
}

// History returns the recorded sync results, oldest first, bounded to the
// configured size.
func (o *Orchestrator) History() []engine.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]engine.Result, len(o.history))
	copy(out, o.history)
	return out
}

// StartAutoSync begins the background sync timer. The timer skips ticks
// while a cycle is in flight rather than queueing behind it.
func (o *Orchestrator) StartAutoSync(ctx context.Context) {
	if o.cfg.AutoSyncInterval <= 0 && !o.cfg.SyncOnStart {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.autoCancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if o.cfg.SyncOnStart {
			o.SyncAll(runCtx)
		}
		if o.cfg.AutoSyncInterval <= 0 {
			return
		}

		ticker := time.NewTicker(o.cfg.AutoSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if o.IsSyncInProgress() {
					continue
				}
				o.SyncAll(runCtx)
			}
		}
	}()
}

// StopAutoSync stops the background timer and waits for it to exit.
func (o *Orchestrator) StopAutoSync() {
	o.mu.Lock()
	cancel := o.autoCancel
	o.autoCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// record appends a result to the bounded history ring.
func (o *Orchestrator) record(res engine.Result) {
	o.mu.Lock()
	o.history = append(o.history, res)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
	o.mu.Unlock()
}

// notify publishes the sync outcome and fans out cache-update callbacks.
func (o *Orchestrator) notify(res engine.Result) {
	if res.Success {
		if o.onCacheUpdate != nil && res.Table != "" {
			o.onCacheUpdate(res.Table)
		}
		if o.bus != nil {
			o.bus.Publish(events.Event{Kind: events.KindSyncCompleted, Table: res.Table, Count: res.RowsAffected})
		}
	} else if o.bus != nil {
		o.bus.Publish(events.Event{Kind: events.KindSyncFailed, Table: res.Table, Err: res.Err})
	}
}
