// Package replica is the top-level facade: it owns the local store, the
// sync engine, the orchestrator, and the connection manager, and exposes
// the application-facing API for reading, writing, and syncing replicated
// tables.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/openshowtech/showsync/internal/config"
	"github.com/openshowtech/showsync/internal/conn"
	"github.com/openshowtech/showsync/internal/engine"
	"github.com/openshowtech/showsync/internal/events"
	"github.com/openshowtech/showsync/internal/orchestrator"
	"github.com/openshowtech/showsync/internal/prefetch"
	"github.com/openshowtech/showsync/internal/remote"
	"github.com/openshowtech/showsync/internal/store"
)

// ErrUnknownTable is returned for operations on a table that was never
// registered.
var ErrUnknownTable = errors.New("table not registered")

// Options overrides the components New builds from the config. All fields
// are optional; tests inject fakes here.
type Options struct {
	// Remote replaces the HTTP backend client.
	Remote remote.Client
	// Feed replaces the websocket change feed.
	Feed conn.Feed
	// Broadcaster replaces the cross-session relay connection.
	Broadcaster conn.Broadcaster
	// Probe and ProbeInterval enable online/offline detection.
	Probe         func(ctx context.Context) bool
	ProbeInterval time.Duration

	Logger *log.Logger
}

// Replica is one session's view of the replicated dataset.
type Replica struct {
	cfg    *config.Config
	logger *log.Logger

	store  *store.Store
	remote remote.Client
	bus    *events.Bus
	backup *store.BackupWriter
	eng    *engine.Engine
	orch   *orchestrator.Orchestrator
	mgr    *conn.Manager

	mu        sync.Mutex
	tables    map[string]config.TableSpec
	order     []string
	listeners map[int]cacheListener
	nextID    int

	closeOnce sync.Once
}

// New opens the local store, restores any mutation backup, wires the sync
// pipeline, and subscribes the change feed for every table in cfg.Tables.
// The caller MUST call Close when done.
func New(ctx context.Context, cfg *config.Config, opts *Options) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[replica] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	backup := store.NewBackupWriter(st, cfg.BackupPath, 0, logger)
	backup.Start()

	if restored, err := st.RestoreBackup(ctx, cfg.BackupPath); err != nil {
		logger.Printf("Failed to restore mutation backup: %v", err)
	} else if restored > 0 {
		logger.Printf("Restored %d queued mutations from backup", restored)
	}

	rc := opts.Remote
	if rc == nil {
		rc = remote.NewHTTPClient(cfg.RemoteURL, cfg.RemoteToken)
	}

	bus := events.NewBus(logger)

	engCfg := engine.DefaultConfig()
	engCfg.TenantID = cfg.TenantID
	engCfg.QuotaBytes = cfg.QuotaBytes()
	engCfg.Logger = logger
	eng := engine.New(st, rc, bus, backup, engCfg)

	r := &Replica{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		remote:    rc,
		bus:       bus,
		backup:    backup,
		eng:       eng,
		tables:    make(map[string]config.TableSpec),
		listeners: make(map[int]cacheListener),
	}

	orchCfg := &orchestrator.Config{
		FullSyncInterval: cfg.FullSyncInterval,
		AutoSyncInterval: cfg.AutoSyncInterval,
		SyncOnStart:      cfg.SyncOnStart,
		HistorySize:      100,
		Logger:           logger,
	}
	if cfg.QuotaMB > 0 {
		orchCfg.AutoQuota = true
		orchCfg.QuotaSoftLimitBytes = cfg.QuotaBytes()
		orchCfg.QuotaTargetBytes = cfg.QuotaBytes() * 8 / 10
	}
	r.orch = orchestrator.New(eng, st, bus, r.tableNames, r.notifyListeners, orchCfg)

	feed := opts.Feed
	if feed == nil && cfg.FeedURL != "" {
		feed = conn.NewWSFeed(cfg.FeedURL, cfg.RemoteToken)
	}
	bcast := opts.Broadcaster
	if bcast == nil && cfg.RelayURL != "" {
		b, err := conn.DialBroadcaster(ctx, cfg.RelayURL)
		if err != nil {
			// Cross-session propagation is an optimization; the session
			// still works alone.
			logger.Printf("Broadcast relay unavailable, continuing single-session: %v", err)
		} else {
			bcast = b
		}
	}

	if feed != nil || bcast != nil || opts.Probe != nil {
		mgrCfg := conn.DefaultConfig()
		mgrCfg.TenantID = cfg.TenantID
		mgrCfg.Logger = logger
		mgrCfg.Probe = opts.Probe
		mgrCfg.ProbeInterval = opts.ProbeInterval
		r.mgr = conn.New(feed, bcast, r.onLiveChange, mgrCfg)

		if cfg.SyncOnReconnect {
			r.mgr.SetOnReconnect(func() {
				r.logger.Printf("Reconnected, running sync cycle")
				go r.SyncAll(context.Background())
			})
		}
	}

	for _, spec := range cfg.Tables {
		if err := r.RegisterTable(ctx, spec); err != nil {
			_ = r.Close()
			return nil, err
		}
	}

	return r, nil
}

// RegisterTable adds a table to the replicated set and, when a change feed
// is configured, opens its live subscription. A failed subscription is
// logged and skipped; periodic sync covers the table regardless.
func (r *Replica) RegisterTable(ctx context.Context, spec config.TableSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("table name is required")
	}

	r.mu.Lock()
	if _, exists := r.tables[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.tables[spec.Name] = spec
	r.mu.Unlock()

	if r.mgr != nil && r.mgr.HasFeed() {
		if err := r.mgr.Subscribe(ctx, spec.Name, spec.TenantFiltered()); err != nil {
			r.logger.Printf("Live subscription for %s unavailable: %v", spec.Name, err)
		}
	}
	return nil
}

// Tables returns the registered table names in registration order.
func (r *Replica) Tables() []string {
	return r.tableNames()
}

// GetTable returns every cached row of a table for this tenant, refreshing
// last-access times. Tables without a tenant column are read unfiltered;
// their rows carry no tenant id.
func (r *Replica) GetTable(ctx context.Context, table string) ([]*store.Row, error) {
	spec, ok := r.spec(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	tenant := ""
	if spec.TenantFiltered() {
		tenant = r.cfg.TenantID
	}
	return r.store.Table(table).GetAll(ctx, tenant)
}

// Get returns one cached row.
func (r *Replica) Get(ctx context.Context, table, id string) (*store.Row, error) {
	if !r.registered(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return r.store.Table(table).Get(ctx, id)
}

// Put records a local insert-or-update: the cache is updated immediately
// with the row marked dirty and a mutation is queued for upload. dependsOn
// lists mutation ids that must upload first (e.g. the parent row's insert).
func (r *Replica) Put(ctx context.Context, table, id string, payload []byte, dependsOn ...string) (*store.Mutation, error) {
	if !r.registered(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	t := r.store.Table(table)
	op := store.OpUpdate
	if _, err := t.Get(ctx, id); errors.Is(err, store.ErrNotFound) {
		op = store.OpInsert
	} else if err != nil {
		return nil, err
	}

	m, err := t.ApplyLocal(ctx, op, &store.Row{
		ID:       id,
		TenantID: r.cfg.TenantID,
		Payload:  payload,
	}, dependsOn)
	if err != nil {
		return nil, err
	}

	r.backup.Queue()
	r.notifyListeners(table)
	return m, nil
}

// Delete records a local delete the same way Put records a write.
func (r *Replica) Delete(ctx context.Context, table, id string, dependsOn ...string) (*store.Mutation, error) {
	if !r.registered(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	m, err := r.store.Table(table).ApplyLocal(ctx, store.OpDelete, &store.Row{
		ID:       id,
		TenantID: r.cfg.TenantID,
	}, dependsOn)
	if err != nil {
		return nil, err
	}

	r.backup.Queue()
	r.notifyListeners(table)
	return m, nil
}

// SyncTable synchronizes one table now.
func (r *Replica) SyncTable(ctx context.Context, table string) engine.Result {
	return r.orch.SyncTable(ctx, table, engine.Options{})
}

// RefreshTable forces a complete re-download of one table.
func (r *Replica) RefreshTable(ctx context.Context, table string) engine.Result {
	return r.orch.SyncTable(ctx, table, engine.Options{ForceFullSync: true})
}

// SyncAll runs a whole-system sync cycle (upload first, then every table).
// Single-flight with queueing; see the orchestrator.
func (r *Replica) SyncAll(ctx context.Context) []engine.Result {
	return r.orch.SyncAll(ctx)
}

// IsSyncInProgress reports whether a cycle is currently running.
func (r *Replica) IsSyncInProgress() bool {
	return r.orch.IsSyncInProgress()
}

// History returns recent sync results, oldest first.
func (r *Replica) History() []engine.Result {
	return r.orch.History()
}

// EvictLRU shrinks the cache to roughly targetMB, never touching dirty rows.
func (r *Replica) EvictLRU(ctx context.Context, targetMB int) (int, error) {
	return r.orch.EvictLRU(ctx, int64(targetMB)*1024*1024)
}

// CacheStats returns per-table row counts, estimated sizes, and dirty counts.
func (r *Replica) CacheStats(ctx context.Context) (map[string]store.Stats, error) {
	out := make(map[string]store.Stats)
	for _, name := range r.tableNames() {
		st, err := r.store.Table(name).Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = st
	}
	return out, nil
}

// PendingMutations returns the upload queue in sequence order.
func (r *Replica) PendingMutations(ctx context.Context) ([]*store.Mutation, error) {
	return r.store.PendingMutations(ctx)
}

// FailedMutations returns mutations that exhausted their retries.
func (r *Replica) FailedMutations(ctx context.Context) ([]*store.Mutation, error) {
	return r.store.FailedMutations(ctx)
}

// cacheListener is one registered cache-update callback; an empty table
// subscribes to every table.
type cacheListener struct {
	table string
	fn    func(table string)
}

// OnCacheUpdate registers a callback invoked after a successful sync or a
// local write touches the named table. An empty table name subscribes to
// updates for every table. The returned function unsubscribes.
func (r *Replica) OnCacheUpdate(table string, fn func(table string)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = cacheListener{table: table, fn: fn}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Events subscribes to the typed event bus (all kinds if none given).
func (r *Replica) Events(kinds ...events.Kind) (<-chan events.Event, func()) {
	return r.bus.Subscribe(kinds...)
}

// WaitForSubscriptionsReady blocks until every live subscription confirmed
// or failed. No-op without a connection manager.
func (r *Replica) WaitForSubscriptionsReady(ctx context.Context) error {
	if r.mgr == nil {
		return nil
	}
	return r.mgr.WaitForSubscriptionsReady(ctx)
}

// SessionID returns this session's broadcast identity, or "" without a
// connection manager.
func (r *Replica) SessionID() string {
	if r.mgr == nil {
		return ""
	}
	return r.mgr.SessionID()
}

// Online reports the last observed connectivity state. Always true without
// a probe.
func (r *Replica) Online() bool {
	if r.mgr == nil {
		return true
	}
	return r.mgr.Online()
}

// StartAutoSync begins periodic background syncing per the config.
func (r *Replica) StartAutoSync(ctx context.Context) {
	r.orch.StartAutoSync(ctx)
}

// StopAutoSync stops the background timer.
func (r *Replica) StopAutoSync() {
	r.orch.StopAutoSync()
}

// Prefetcher returns a predictive prefetcher bound to this replica: warming
// a table reads it through GetTable (refreshing last-access times), and
// prefetching defers whenever a sync cycle is running.
func (r *Replica) Prefetcher(cfg *prefetch.Config) *prefetch.Prefetcher {
	warm := func(ctx context.Context, table string) error {
		_, err := r.GetTable(ctx, table)
		return err
	}
	return prefetch.New(warm, r.IsSyncInProgress, cfg)
}

// Store exposes the underlying store for diagnostics.
func (r *Replica) Store() *store.Store {
	return r.store
}

// Close flushes the mutation backup and releases every component.
func (r *Replica) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.orch.StopAutoSync()
		if r.mgr != nil {
			_ = r.mgr.Close()
		}
		r.backup.Stop()
		err = r.store.Close()
	})
	return err
}

// onLiveChange is the connection manager's sync callback: a live feed event
// or cross-session broadcast triggers a targeted incremental sync.
func (r *Replica) onLiveChange(ctx context.Context, table string) error {
	res := r.orch.SyncTable(ctx, table, engine.Options{})
	return res.Err
}

func (r *Replica) registered(table string) bool {
	_, ok := r.spec(table)
	return ok
}

func (r *Replica) spec(table string) (config.TableSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.tables[table]
	return spec, ok
}

func (r *Replica) tableNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// notifyListeners fans a cache update out to the callbacks registered for
// the table (or for all tables).
func (r *Replica) notifyListeners(table string) {
	r.mu.Lock()
	fns := make([]func(string), 0, len(r.listeners))
	for _, l := range r.listeners {
		if l.table == "" || l.table == table {
			fns = append(fns, l.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(table)
	}
}
