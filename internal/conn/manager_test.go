package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// syncRecorder collects the tables the manager asked to sync.
type syncRecorder struct {
	mu     sync.Mutex
	tables []string
	notify chan string
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{notify: make(chan string, 16)}
}

func (r *syncRecorder) callback(ctx context.Context, table string) error {
	r.mu.Lock()
	r.tables = append(r.tables, table)
	r.mu.Unlock()
	r.notify <- table
	return nil
}

func (r *syncRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tables)
}

func (r *syncRecorder) wait(t *testing.T, table string) {
	t.Helper()
	select {
	case got := <-r.notify:
		if got != table {
			t.Fatalf("Synced %s, expected %s", got, table)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for sync of %s", table)
	}
}

func TestChangeEventTriggersSyncAndBroadcast(t *testing.T) {
	feed := NewMemFeed()
	hub := NewMemHub()
	rec := newSyncRecorder()

	observer := hub.Session()
	defer observer.Close()

	mgr := New(feed, hub.Session(), rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	if err := mgr.Subscribe(context.Background(), "scores", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := mgr.WaitForSubscriptionsReady(context.Background()); err != nil {
		t.Fatalf("WaitForSubscriptionsReady failed: %v", err)
	}

	feed.Emit(ChangeEvent{Table: "scores", Kind: ChangeUpdate})
	rec.wait(t, "scores")

	select {
	case msg := <-observer.Messages():
		if msg.TableName != "scores" || msg.TenantID != "show-1" {
			t.Errorf("Unexpected broadcast: %+v", msg)
		}
		if msg.OriginSessionID != mgr.SessionID() {
			t.Errorf("Broadcast missing origin session: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}
}

func TestOwnBroadcastIsSuppressed(t *testing.T) {
	feed := NewMemFeed()
	hub := NewMemHub()
	rec := newSyncRecorder()

	// The hub echoes every message back to the sender; without origin
	// filtering this would loop forever.
	mgr := New(feed, hub.Session(), rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	if err := mgr.Subscribe(context.Background(), "scores", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	feed.Emit(ChangeEvent{Table: "scores", Kind: ChangeUpdate})
	rec.wait(t, "scores")

	// The echoed broadcast must not trigger a second sync.
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Errorf("Expected exactly 1 sync, got %d", rec.count())
	}
}

func TestBroadcastFromAnotherSessionTriggersSync(t *testing.T) {
	hub := NewMemHub()
	rec := newSyncRecorder()

	mgr := New(NewMemFeed(), hub.Session(), rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	other := hub.Session()
	defer other.Close()
	err := other.Send(context.Background(), TableChanged{
		TableName:       "scores",
		TenantID:        "show-1",
		OriginSessionID: "some-other-session",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rec.wait(t, "scores")
}

func TestBroadcastForOtherTenantIgnored(t *testing.T) {
	hub := NewMemHub()
	rec := newSyncRecorder()

	mgr := New(NewMemFeed(), hub.Session(), rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	other := hub.Session()
	defer other.Close()
	err := other.Send(context.Background(), TableChanged{
		TableName:       "scores",
		TenantID:        "show-2",
		OriginSessionID: "some-other-session",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("Cross-tenant broadcast must be ignored, got %d syncs", rec.count())
	}
}

func TestWaitForSubscriptionsReadyToleratesFailures(t *testing.T) {
	feed := NewMemFeed()
	feed.ReadyErr = func(table string) error {
		if table == "bad" {
			return errors.New("subscription rejected")
		}
		return nil
	}
	rec := newSyncRecorder()

	mgr := New(feed, nil, rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	ctx := context.Background()
	if err := mgr.Subscribe(ctx, "good", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := mgr.Subscribe(ctx, "bad", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// A failed subscription is logged and skipped, never fatal.
	if err := mgr.WaitForSubscriptionsReady(ctx); err != nil {
		t.Errorf("WaitForSubscriptionsReady should tolerate failures: %v", err)
	}
}

func TestWaitForSubscriptionsReadyIsRepeatable(t *testing.T) {
	feed := NewMemFeed()
	rec := newSyncRecorder()

	mgr := New(feed, nil, rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	if err := mgr.Subscribe(context.Background(), "scores", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := mgr.WaitForSubscriptionsReady(context.Background()); err != nil {
		t.Fatalf("First wait failed: %v", err)
	}

	// The readiness outcome is latched; a second wait must observe it
	// immediately instead of blocking on an already-drained signal.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.WaitForSubscriptionsReady(ctx); err != nil {
		t.Errorf("Second wait failed: %v", err)
	}
}

func TestReconnectCallbackFiresOnTransition(t *testing.T) {
	rec := newSyncRecorder()

	var mu sync.Mutex
	up := false

	mgr := New(NewMemFeed(), nil, rec.callback, &Config{
		TenantID:      "show-1",
		ProbeInterval: 10 * time.Millisecond,
		Probe: func(ctx context.Context) bool {
			mu.Lock()
			defer mu.Unlock()
			return up
		},
	})
	defer mgr.Close()

	reconnected := make(chan struct{}, 1)
	mgr.SetOnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	// Wait until the probe has observed the offline state.
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Online() {
		if time.Now().After(deadline) {
			t.Fatal("Manager never went offline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	up = true
	mu.Unlock()

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Reconnect callback never fired")
	}
	if !mgr.Online() {
		t.Error("Manager should report online after reconnect")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	feed := NewMemFeed()
	rec := newSyncRecorder()

	mgr := New(feed, nil, rec.callback, &Config{TenantID: "show-1"})
	defer mgr.Close()

	if err := mgr.Subscribe(context.Background(), "scores", true); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	mgr.Unsubscribe("scores")

	// The subscription's event channel is closed; emitting afterwards
	// must not reach the callback.
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("Expected no syncs after unsubscribe, got %d", rec.count())
	}
}
