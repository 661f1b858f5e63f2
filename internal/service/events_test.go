package service

import (
	"sync"
	"testing"
	"time"

	"github.com/ricochet1k/concordia/internal/domain"
	"github.com/ricochet1k/concordia/internal/session"
)

// subscribe registers for live events only.
func subscribe(b *EventBroadcaster, id string, types ...domain.EventType) *Subscriber {
	sub, _ := b.SubscribeWithReplay(id, ^uint64(0), types...)
	return sub
}

func TestNewEventBroadcaster(t *testing.T) {
	t.Run("with default buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(0)
		if b == nil {
			t.Fatal("expected non-nil broadcaster")
		}
		if b.bufferSize != 100 {
			t.Errorf("expected buffer size 100, got %d", b.bufferSize)
		}
	})

	t.Run("with custom buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(50)
		if b.bufferSize != 50 {
			t.Errorf("expected buffer size 50, got %d", b.bufferSize)
		}
	})
}

func TestEventBroadcaster_SubscribeLive(t *testing.T) {
	b := NewEventBroadcaster(10)

	sub := subscribe(b, "sub1", domain.EventTypeOutput)
	if sub == nil {
		t.Fatal("expected non-nil subscriber")
	}
	if sub.ID != "sub1" {
		t.Errorf("expected ID 'sub1', got '%s'", sub.ID)
	}
	if sub.Events == nil {
		t.Error("expected non-nil Events channel")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
}

func TestEventBroadcaster_Unsubscribe(t *testing.T) {
	b := NewEventBroadcaster(10)

	sub := subscribe(b, "sub1")
	b.Unsubscribe("sub1")

	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Error("expected channel to be closed")
		}
	default:
		t.Error("expected channel to be closed immediately")
	}
}

func TestEventBroadcaster_Broadcast(t *testing.T) {
	b := NewEventBroadcaster(10)

	outputs := subscribe(b, "outputs", domain.EventTypeOutput)
	system := subscribe(b, "system", domain.EventTypeSystem)
	all := subscribe(b, "all")

	b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "test output"))

	select {
	case e := <-outputs.Events:
		if d, _ := e.Output(); d.Text != "test output" {
			t.Errorf("unexpected output %q", d.Text)
		}
		if e.ID != 1 {
			t.Errorf("expected first event to have ID 1, got %d", e.ID)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("outputs subscriber should have received event")
	}

	select {
	case <-system.Events:
		t.Error("system subscriber should not receive output events")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-all.Events:
	case <-time.After(100 * time.Millisecond):
		t.Error("unfiltered subscriber should have received event")
	}
}

func TestEventBroadcaster_BroadcastNonBlocking(t *testing.T) {
	b := NewEventBroadcaster(1)
	sub := subscribe(b, "sub1")

	b.Broadcast(domain.NewSystemEvent("event1"))
	b.Broadcast(domain.NewSystemEvent("event2"))
	b.Broadcast(domain.NewSystemEvent("event3"))

	<-sub.Events
	if b.DroppedEventCount() == 0 {
		t.Fatal("expected dropped events to be tracked for slow subscriber")
	}
}

func TestEventBroadcaster_SinksInOrder(t *testing.T) {
	b := NewEventBroadcaster(10)

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(name string) session.Broadcaster {
		return session.BroadcastFunc(func(ev domain.Event) {
			d, _ := ev.System()
			mu.Lock()
			calls = append(calls, name+":"+d.Message)
			mu.Unlock()
		})
	}
	b.AddSink(record("hub"))
	b.AddSink(record("history"))

	b.Broadcast(domain.NewSystemEvent("a"))
	b.Broadcast(domain.NewSystemEvent("b"))

	want := []string{"hub:a", "history:a", "hub:b", "history:b"}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestEventBroadcaster_ConcurrentAccess(t *testing.T) {
	b := NewEventBroadcaster(100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			subID := string(rune('a' + id))
			subscribe(b, subID)
			time.Sleep(10 * time.Millisecond)
			b.Unsubscribe(subID)
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "test"))
		}()
	}

	wg.Wait()
}

func TestEventBroadcaster_SubscribeWithReplay(t *testing.T) {
	t.Run("no history returns empty replay", func(t *testing.T) {
		b := NewEventBroadcaster(10)
		sub, replay := b.SubscribeWithReplay("sub1", 0)
		if sub == nil {
			t.Fatal("expected non-nil subscriber")
		}
		if len(replay) != 0 {
			t.Errorf("expected empty replay, got %d events", len(replay))
		}
	})

	t.Run("replays events after lastEventID", func(t *testing.T) {
		b := NewEventBroadcaster(10)

		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "first"))
		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "second"))
		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "third"))

		_, replay := b.SubscribeWithReplay("sub1", 1)
		if len(replay) != 2 {
			t.Fatalf("expected 2 replayed events, got %d", len(replay))
		}
		if replay[0].ID != 2 || replay[1].ID != 3 {
			t.Errorf("unexpected replayed event IDs: %d, %d", replay[0].ID, replay[1].ID)
		}
	})

	t.Run("lastEventID at current returns no replay", func(t *testing.T) {
		b := NewEventBroadcaster(10)
		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "only"))

		_, replay := b.SubscribeWithReplay("sub1", 999)
		if len(replay) != 0 {
			t.Errorf("expected empty replay, got %d events", len(replay))
		}
	})

	t.Run("replays only matching types", func(t *testing.T) {
		b := NewEventBroadcaster(10)

		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "out"))
		b.Broadcast(domain.NewSystemEvent("sys"))
		b.Broadcast(domain.NewOutputEvent(domain.StreamStdout, "out 2"))

		_, replay := b.SubscribeWithReplay("sub1", 0, domain.EventTypeOutput)
		if len(replay) != 2 {
			t.Fatalf("expected 2 output events, got %d", len(replay))
		}
		for _, ev := range replay {
			if ev.Type != domain.EventTypeOutput {
				t.Errorf("got event of wrong type: %s", ev.Type)
			}
		}
	})

	t.Run("history capped at buffer size", func(t *testing.T) {
		b := NewEventBroadcaster(3)

		for i := 0; i < 5; i++ {
			b.Broadcast(domain.NewSystemEvent("event"))
		}

		_, replay := b.SubscribeWithReplay("sub1", 0)
		if len(replay) != 3 {
			t.Errorf("expected 3 replayed events, got %d", len(replay))
		}
		if replay[0].ID != 3 {
			t.Errorf("expected oldest retained ID 3, got %d", replay[0].ID)
		}
	})
}
