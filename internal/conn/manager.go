package conn

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SyncCallback is invoked with a table name whenever a live change or a
// cross-session broadcast indicates the table needs an incremental sync.
type SyncCallback func(ctx context.Context, table string) error

// Config holds connection manager settings.
type Config struct {
	// TenantID scopes subscriptions and broadcast filtering.
	TenantID string

	// SessionID identifies this session in broadcasts. Defaults to a
	// fresh ULID, one per process/tab.
	SessionID string

	// ProbeInterval is how often the online probe runs. Zero disables
	// online detection.
	ProbeInterval time.Duration

	// Probe reports whether the remote is reachable. Required when
	// ProbeInterval is set.
	Probe func(ctx context.Context) bool

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults (no online probe).
func DefaultConfig() *Config {
	return &Config{
		SessionID: ulid.Make().String(),
		Logger:    log.New(os.Stderr, "[conn] ", log.LstdFlags),
	}
}

// Manager owns one live change-feed subscription per registered table and
// the cross-session broadcast channel.
type Manager struct {
	feed   Feed
	bcast  Broadcaster
	onSync SyncCallback
	cfg    *Config
	logger *log.Logger

	mu          sync.Mutex
	subs        map[string]*tableSub
	online      bool
	onReconnect func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tableSub tracks one table's subscription and its readiness future: the
// one-shot ready value from the feed is latched into err/resolved so every
// WaitForSubscriptionsReady call observes the outcome, not just the first.
type tableSub struct {
	table string
	sub   Subscription

	resolved chan struct{}
	err      error // valid once resolved is closed
}

// resolve latches the subscription's one-shot ready value.
func (ts *tableSub) resolve() {
	ts.err = <-ts.sub.Ready()
	close(ts.resolved)
}

// New creates a manager. bcast may be nil (single-session mode: no
// cross-session propagation). onSync is required.
func New(feed Feed, bcast Broadcaster, onSync SyncCallback, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = ulid.Make().String()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[conn] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		feed:   feed,
		bcast:  bcast,
		onSync: onSync,
		cfg:    cfg,
		logger: cfg.Logger,
		subs:   make(map[string]*tableSub),
		online: true,
		ctx:    ctx,
		cancel: cancel,
	}

	if bcast != nil {
		m.wg.Add(1)
		go m.receiveLoop()
	}
	if cfg.ProbeInterval > 0 && cfg.Probe != nil {
		m.wg.Add(1)
		go m.probeLoop()
	}
	return m
}

// SessionID returns this session's broadcast identity.
func (m *Manager) SessionID() string {
	return m.cfg.SessionID
}

// HasFeed reports whether a change feed was configured. Without one the
// manager still handles broadcasts and connectivity probing.
func (m *Manager) HasFeed() bool {
	return m.feed != nil
}

// Subscribe opens the live change feed for a table. Tables with a tenant
// column subscribe filtered; tables without one subscribe unfiltered and
// tolerate cross-tenant noise, relying on the sync engine's tenant-scoped
// queries to filter correctly on the next sync.
//
// Subscribing returns immediately; readiness is tracked and resolved by
// WaitForSubscriptionsReady.
func (m *Manager) Subscribe(ctx context.Context, table string, tenantFiltered bool) error {
	tenant := ""
	if tenantFiltered {
		tenant = m.cfg.TenantID
	}

	sub, err := m.feed.Subscribe(ctx, table, tenant)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	ts := &tableSub{table: table, sub: sub, resolved: make(chan struct{})}
	go ts.resolve()

	m.mu.Lock()
	if old, exists := m.subs[table]; exists {
		_ = old.sub.Close()
	}
	m.subs[table] = ts
	m.mu.Unlock()

	m.wg.Add(1)
	go m.eventLoop(ts)
	return nil
}

// Unsubscribe tears down a table's subscription.
func (m *Manager) Unsubscribe(table string) {
	m.mu.Lock()
	ts, ok := m.subs[table]
	if ok {
		delete(m.subs, table)
	}
	m.mu.Unlock()
	if ok {
		_ = ts.sub.Close()
	}
}

// WaitForSubscriptionsReady blocks until every subscription has confirmed
// active or reported an error. Errors are logged and skipped: realtime is
// an optimization, and periodic sync covers tables whose feed is down.
func (m *Manager) WaitForSubscriptionsReady(ctx context.Context) error {
	m.mu.Lock()
	subs := make([]*tableSub, 0, len(m.subs))
	for _, ts := range m.subs {
		subs = append(subs, ts)
	}
	m.mu.Unlock()

	for _, ts := range subs {
		select {
		case <-ts.resolved:
			if ts.err != nil {
				m.logger.Printf("Subscription for %s failed, continuing without realtime: %v", ts.table, ts.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SetOnReconnect registers a callback for offline-to-online transitions.
func (m *Manager) SetOnReconnect(fn func()) {
	m.mu.Lock()
	m.onReconnect = fn
	m.mu.Unlock()
}

// Online reports the last observed connectivity state.
func (m *Manager) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Close tears down all subscriptions and loops.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	for table, ts := range m.subs {
		_ = ts.sub.Close()
		delete(m.subs, table)
	}
	m.mu.Unlock()

	if m.bcast != nil {
		_ = m.bcast.Close()
	}
	m.wg.Wait()
	return nil
}

// eventLoop turns live change events into targeted incremental syncs and,
// after each sync completes, broadcasts the change to other sessions.
func (m *Manager) eventLoop(ts *tableSub) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case _, ok := <-ts.sub.Events():
			if !ok {
				return
			}
			if err := m.onSync(m.ctx, ts.table); err != nil {
				m.logger.Printf("Change-triggered sync of %s failed: %v", ts.table, err)
				continue
			}
			m.broadcast(ts.table)
		}
	}
}

// broadcast notifies other sessions that a table changed.
func (m *Manager) broadcast(table string) {
	if m.bcast == nil {
		return
	}
	msg := TableChanged{
		Type:            MessageTypeTableChanged,
		TableName:       table,
		TenantID:        m.cfg.TenantID,
		OriginSessionID: m.cfg.SessionID,
	}
	if err := m.bcast.Send(m.ctx, msg); err != nil {
		m.logger.Printf("Failed to broadcast change for %s: %v", table, err)
	}
}

// receiveLoop handles broadcasts from other sessions. Messages originating
// from this session are ignored (echo suppression, which is what prevents
// infinite sync cascades between sessions), as are messages for another
// tenant.
func (m *Manager) receiveLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-m.bcast.Messages():
			if !ok {
				return
			}
			if msg.OriginSessionID == m.cfg.SessionID {
				continue
			}
			if msg.TenantID != m.cfg.TenantID {
				continue
			}
			if err := m.onSync(m.ctx, msg.TableName); err != nil {
				m.logger.Printf("Broadcast-triggered sync of %s failed: %v", msg.TableName, err)
			}
		}
	}
}

// probeLoop tracks connectivity and fires the reconnect callback on
// offline-to-online transitions.
func (m *Manager) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			up := m.cfg.Probe(m.ctx)

			m.mu.Lock()
			wasOnline := m.online
			m.online = up
			cb := m.onReconnect
			m.mu.Unlock()

			if up && !wasOnline {
				m.logger.Printf("Network restored")
				if cb != nil {
					cb()
				}
			} else if !up && wasOnline {
				m.logger.Printf("Network lost, queueing writes locally")
			}
		}
	}
}
