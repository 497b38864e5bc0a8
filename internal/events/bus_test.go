package events

import (
	"errors"
	"sync"
	"testing"
)

func TestSubscribeReceivesMatchingKinds(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(KindSyncCompleted)
	defer cancel()

	bus.Publish(Event{Kind: KindSyncFailed, Table: "scores", Err: errors.New("nope")})
	bus.Publish(Event{Kind: KindSyncCompleted, Table: "scores", Count: 3})

	select {
	case ev := <-ch:
		if ev.Kind != KindSyncCompleted || ev.Count != 3 {
			t.Errorf("Unexpected event: %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("Publish should stamp the event time")
		}
	default:
		t.Fatal("Expected a sync-completed event")
	}

	select {
	case ev := <-ch:
		t.Errorf("Filtered subscriber received %s", ev.Kind)
	default:
	}
}

func TestSubscribeAllKinds(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Kind: KindQueueWarning, Count: 10})
	bus.Publish(Event{Kind: KindQueueOverflow, Count: 20})

	for _, want := range []Kind{KindQueueWarning, KindQueueOverflow} {
		select {
		case ev := <-ch:
			if ev.Kind != want {
				t.Errorf("Expected %s, got %s", want, ev.Kind)
			}
		default:
			t.Fatalf("Missing %s event", want)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("Canceled subscription channel should be closed")
	}

	// Publishing after cancel must not panic.
	bus.Publish(Event{Kind: KindSyncCompleted})
}

func TestCancelDuringPublishDoesNotPanic(t *testing.T) {
	bus := NewBus(nil)

	// Hammer Publish from several goroutines while subscriptions come and
	// go; a cancel landing mid-publish must never close a channel out from
	// under a sender.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					bus.Publish(Event{Kind: KindSyncCompleted})
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		_, cancel := bus.Subscribe(KindSyncCompleted)
		cancel()
	}

	close(stop)
	wg.Wait()
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(nil)

	_, cancel := bus.Subscribe()
	defer cancel()

	// Overrun the subscriber buffer; the excess is dropped with a warning.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Kind: KindSyncCompleted, Count: i})
	}
}
