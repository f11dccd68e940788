package progress

import (
	"context"
	"testing"
	"time"

	"github.com/quantloft/orcad/internal/models"
	"github.com/quantloft/orcad/internal/store"
)

func TestBusDeliversInAppendOrder(t *testing.T) {
	s := store.NewMemoryStore()
	bus := NewBus(s, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := bus.Subscribe("s1")
	defer bus.Unsubscribe(sub)
	bus.Start(ctx)
	defer bus.Stop()

	for i := 0; i < 3; i++ {
		if err := bus.Append(ctx, &models.ProgressEvent{
			SessionID: "s1", Type: models.ProgressEventGeneric, Level: models.ProgressLevelInfo, Message: "tick",
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case e := <-sub.Events():
			got = append(got, e.Message)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
}

func TestBusMultipleSubscribersOneSession(t *testing.T) {
	s := store.NewMemoryStore()
	bus := NewBus(s, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subA := bus.Subscribe("s1")
	subB := bus.Subscribe("s1")
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)
	bus.Start(ctx)
	defer bus.Stop()

	if err := bus.Append(ctx, &models.ProgressEvent{SessionID: "s1", Type: models.ProgressEventGeneric, Message: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	for name, sub := range map[string]*Subscriber{"A": subA, "B": subB} {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestBusMarksEventsProcessed(t *testing.T) {
	s := store.NewMemoryStore()
	bus := NewBus(s, Config{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := bus.Subscribe("s1")
	defer bus.Unsubscribe(sub)
	bus.Start(ctx)
	defer bus.Stop()

	_ = bus.Append(ctx, &models.ProgressEvent{SessionID: "s1", Type: models.ProgressEventGeneric, Message: "x"})

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		unprocessed, err := s.PollUnprocessedEvents(ctx, 0)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(unprocessed) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("event never marked processed")
}
