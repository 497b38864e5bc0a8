// Package conn implements the connection manager: live change-feed
// subscriptions per table, cross-session broadcast of table changes, and
// network online/offline detection.
//
// Realtime is an optimization, not a hard dependency: a subscription that
// fails to come up is logged and skipped, and periodic auto-sync remains
// the fallback delivery path.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/openshowtech/showsync/internal/remote"
)

// ChangeKind is the kind of row change delivered by a feed.
type ChangeKind string

const (
	// ChangeInsert is a new remote row.
	ChangeInsert ChangeKind = "insert"
	// ChangeUpdate is a modified remote row.
	ChangeUpdate ChangeKind = "update"
	// ChangeDelete is a removed remote row.
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is one live change notification from the remote feed.
type ChangeEvent struct {
	Table string     `json:"table"`
	Kind  ChangeKind `json:"kind"`
	Row   remote.Row `json:"row"`
}

// Subscription is a live per-table change-feed registration.
//
// Ready yields exactly one value: nil once the feed confirms the
// subscription is active, or the activation error. Events is closed when
// the subscription ends.
type Subscription interface {
	Events() <-chan ChangeEvent
	Ready() <-chan error
	Close() error
}

// Feed creates change-feed subscriptions. tenantID of "" subscribes
// unfiltered.
type Feed interface {
	Subscribe(ctx context.Context, table, tenantID string) (Subscription, error)
}

// WSFeed subscribes over a websocket endpoint. The server is expected to
// send a {"type":"subscribed"} frame first, then {"type":"change",...}
// frames carrying ChangeEvent fields.
type WSFeed struct {
	baseURL string
	token   string
}

// NewWSFeed creates a websocket feed rooted at baseURL (e.g.
// "wss://backend.example.com/feed").
func NewWSFeed(baseURL, token string) *WSFeed {
	return &WSFeed{baseURL: baseURL, token: token}
}

// feedFrame is the wire shape of feed messages.
type feedFrame struct {
	Type  string     `json:"type"`
	Error string     `json:"error,omitempty"`
	Table string     `json:"table,omitempty"`
	Kind  ChangeKind `json:"kind,omitempty"`
	Row   remote.Row `json:"row,omitempty"`
}

// Subscribe implements Feed. Subscribing returns immediately; readiness is
// reported through the subscription's Ready channel.
func (f *WSFeed) Subscribe(ctx context.Context, table, tenantID string) (Subscription, error) {
	q := url.Values{}
	q.Set("table", table)
	if tenantID != "" {
		q.Set("tenant", tenantID)
	}
	if f.token != "" {
		q.Set("token", f.token)
	}

	conn, _, err := websocket.Dial(ctx, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial change feed for %s: %w", table, err)
	}

	sub := &wsSubscription{
		table:  table,
		conn:   conn,
		events: make(chan ChangeEvent, 64),
		ready:  make(chan error, 1),
	}
	go sub.readLoop(ctx)
	return sub, nil
}

type wsSubscription struct {
	table  string
	conn   *websocket.Conn
	events chan ChangeEvent
	ready  chan error

	closeOnce sync.Once
}

func (s *wsSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *wsSubscription) Ready() <-chan error        { return s.ready }

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(websocket.StatusNormalClosure, "unsubscribed")
	})
	return nil
}

func (s *wsSubscription) readLoop(ctx context.Context) {
	defer close(s.events)

	confirmed := false
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !confirmed {
				s.ready <- fmt.Errorf("change feed for %s closed before confirming: %w", s.table, err)
			}
			return
		}

		var frame feedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "subscribed":
			if !confirmed {
				confirmed = true
				s.ready <- nil
			}
		case "error":
			if !confirmed {
				confirmed = true
				s.ready <- fmt.Errorf("change feed for %s rejected: %s", s.table, frame.Error)
			}
		case "change":
			select {
			case s.events <- ChangeEvent{Table: frame.Table, Kind: frame.Kind, Row: frame.Row}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// MemFeed is an in-process Feed for tests. Events pushed with Emit are
// delivered to the matching table's subscription.
type MemFeed struct {
	mu   sync.Mutex
	subs map[string]*memSubscription

	// ReadyErr, if set, is consulted per table to simulate subscription
	// activation failures.
	ReadyErr func(table string) error
}

// NewMemFeed creates an empty in-memory feed.
func NewMemFeed() *MemFeed {
	return &MemFeed{subs: make(map[string]*memSubscription)}
}

// Subscribe implements Feed.
func (f *MemFeed) Subscribe(ctx context.Context, table, tenantID string) (Subscription, error) {
	sub := &memSubscription{
		events: make(chan ChangeEvent, 64),
		ready:  make(chan error, 1),
	}
	if f.ReadyErr != nil {
		sub.ready <- f.ReadyErr(table)
	} else {
		sub.ready <- nil
	}

	f.mu.Lock()
	f.subs[table] = sub
	f.mu.Unlock()
	return sub, nil
}

// Emit delivers a change event to the table's subscription, if any.
func (f *MemFeed) Emit(ev ChangeEvent) {
	f.mu.Lock()
	sub := f.subs[ev.Table]
	f.mu.Unlock()
	if sub != nil {
		sub.events <- ev
	}
}

type memSubscription struct {
	events    chan ChangeEvent
	ready     chan error
	closeOnce sync.Once
}

func (s *memSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *memSubscription) Ready() <-chan error        { return s.ready }
func (s *memSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
