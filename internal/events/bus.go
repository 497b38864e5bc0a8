// Package events provides the typed publish/subscribe bus used for
// cross-component signaling: queue pressure, sync outcomes, and permanent
// mutation failures are events on this bus rather than exceptions bubbling
// to the caller.
package events

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/openshowtech/showsync/internal/store"
)

// Kind identifies an event type.
type Kind string

const (
	// KindQueueWarning fires when the pending queue passes the soft
	// threshold.
	KindQueueWarning Kind = "queue_warning"
	// KindQueueOverflow fires at the hard cap; the subscriber should force
	// an urgent sync.
	KindQueueOverflow Kind = "queue_overflow"
	// KindSyncCompleted fires after a successful table sync.
	KindSyncCompleted Kind = "sync_completed"
	// KindSyncFailed fires when a table sync fails.
	KindSyncFailed Kind = "sync_failed"
	// KindMutationsFailed fires once per upload pass, batching every
	// mutation that exhausted its retries.
	KindMutationsFailed Kind = "mutations_failed"
)

// Event is a strongly typed bus message. Only the fields relevant to the
// Kind are populated.
type Event struct {
	Kind      Kind
	Table     string
	Count     int
	Err       error
	Mutations []*store.Mutation
	Time      time.Time
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind its buffer drops events with a logged warning, the same
// policy the broadcast channel uses elsewhere in the system.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	logger *log.Logger
}

type subscriber struct {
	kinds map[Kind]bool // nil means all kinds
	ch    chan Event

	mu     sync.Mutex
	closed bool
}

// deliver sends the event unless the subscription was canceled. The closed
// flag is checked under the subscriber mutex so a concurrent cancel can
// never close the channel between the check and the send. Returns false
// when the event was dropped because the buffer is full.
func (s *subscriber) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// close marks the subscriber canceled and closes its channel.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewBus creates a bus. If logger is nil, a default stderr logger is used.
func NewBus(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{logger: logger}
}

// Subscribe registers for the given kinds (all kinds if none given).
// The returned cancel function removes the subscription and closes the
// channel.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 64)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		if !sub.deliver(ev) {
			b.logger.Printf("Warning: subscriber buffer full, dropping %s event", ev.Kind)
		}
	}
}
