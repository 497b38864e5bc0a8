package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// MessageTypeTableChanged tags cross-session table-change broadcasts.
const MessageTypeTableChanged = "table-changed"

// TableChanged is the cross-session broadcast schema. Every message is
// tagged with the originating session id so receivers can suppress their
// own echo, and with the tenant so unrelated sessions ignore it.
type TableChanged struct {
	Type            string `json:"type"`
	TableName       string `json:"tableName"`
	TenantID        string `json:"tenantId"`
	OriginSessionID string `json:"originSessionId"`
}

// Broadcaster delivers table-change messages between concurrent sessions.
// Implementations echo the sender's own messages back; filtering is the
// Manager's job.
type Broadcaster interface {
	Send(ctx context.Context, msg TableChanged) error
	Messages() <-chan TableChanged
	Close() error
}

// WSBroadcaster relays messages through a websocket fan-out endpoint: every
// message written is delivered to all connected sessions, including the
// sender.
type WSBroadcaster struct {
	conn     *websocket.Conn
	messages chan TableChanged

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// DialBroadcaster connects to the relay endpoint.
func DialBroadcaster(ctx context.Context, relayURL string) (*WSBroadcaster, error) {
	conn, _, err := websocket.Dial(ctx, relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broadcast relay: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b := &WSBroadcaster{
		conn:     conn,
		messages: make(chan TableChanged, 64),
		cancel:   cancel,
	}
	go b.readLoop(readCtx)
	return b, nil
}

// Send implements Broadcaster.
func (b *WSBroadcaster) Send(ctx context.Context, msg TableChanged) error {
	if msg.Type == "" {
		msg.Type = MessageTypeTableChanged
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}
	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send broadcast: %w", err)
	}
	return nil
}

// Messages implements Broadcaster.
func (b *WSBroadcaster) Messages() <-chan TableChanged {
	return b.messages
}

// Close implements Broadcaster.
func (b *WSBroadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		_ = b.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (b *WSBroadcaster) readLoop(ctx context.Context) {
	defer close(b.messages)

	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg TableChanged
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != MessageTypeTableChanged {
			continue
		}
		select {
		case b.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// MemHub is an in-process broadcast relay for tests: each Session behaves
// like one browser tab, and every Send is delivered to all sessions,
// the sender included.
type MemHub struct {
	mu       sync.Mutex
	sessions []*memSession
}

// NewMemHub creates an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{}
}

// Session creates a new attached broadcaster.
func (h *MemHub) Session() Broadcaster {
	s := &memSession{
		hub:      h,
		messages: make(chan TableChanged, 64),
	}
	h.mu.Lock()
	h.sessions = append(h.sessions, s)
	h.mu.Unlock()
	return s
}

type memSession struct {
	hub      *MemHub
	messages chan TableChanged

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *memSession) Send(ctx context.Context, msg TableChanged) error {
	if msg.Type == "" {
		msg.Type = MessageTypeTableChanged
	}
	s.hub.mu.Lock()
	sessions := make([]*memSession, len(s.hub.sessions))
	copy(sessions, s.hub.sessions)
	s.hub.mu.Unlock()

	for _, sess := range sessions {
		sess.deliver(msg)
	}
	return nil
}

func (s *memSession) deliver(msg TableChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.messages <- msg:
	default:
		// Session fell behind; drop.
	}
}

func (s *memSession) Messages() <-chan TableChanged {
	return s.messages
}

func (s *memSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.messages)
		s.mu.Unlock()

		s.hub.mu.Lock()
		for i, sess := range s.hub.sessions {
			if sess == s {
				s.hub.sessions = append(s.hub.sessions[:i], s.hub.sessions[i+1:]...)
				break
			}
		}
		s.hub.mu.Unlock()
	})
	return nil
}
