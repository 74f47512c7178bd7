package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evalchat/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventStreamDelta {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSessionCreated))
	bus.Publish(context.Background(), newEvent(domain.EventStreamCompleted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventSessionDeleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventSessionDeleted))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStreamError, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))
	bus.Publish(context.Background(), newEvent(domain.EventStreamError))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))

	if got.Load() != 0 {
		t.Fatalf("expected 0 after close, got %d", got.Load())
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	bus := newTestBus()

	const n = 2000
	var mu sync.Mutex
	var got []int
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		var p domain.StreamDeltaPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Errorf("unmarshal payload: %v", err)
			return
		}
		seq, _ := strconv.Atoi(p.Content)
		mu.Lock()
		got = append(got, seq)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(domain.StreamDeltaPayload{Content: strconv.Itoa(i)})
		bus.Publish(ctx, domain.Event{
			Type:      domain.EventStreamDelta,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
	bus.Close()

	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("delivery out of order at %d: got sequence %d", i, seq)
		}
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := newTestBus()

	const n = deliveryBuffer / 2
	block := make(chan struct{})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		<-block // stuck on its first event; later ones queue
	})

	var fast atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		fast.Add(1)
	})

	ctx := context.Background()
	for i := 0; i < n; i++ {
		bus.Publish(ctx, newEvent(domain.EventStreamDelta))
	}

	// The fast subscriber drains all events while the other is stuck.
	deadline := time.After(2 * time.Second)
	for fast.Load() < n {
		select {
		case <-deadline:
			t.Fatalf("fast subscriber saw %d of %d events", fast.Load(), n)
		case <-time.After(time.Millisecond):
		}
	}

	close(block)
	bus.Close()
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventStreamDelta))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("second handler should still run, got %d", got.Load())
	}
}
