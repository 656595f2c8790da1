package syncbus

import (
	"context"
	"testing"
	"time"
)

func expectMessage(t *testing.T, ch chan Message, topic, payload string) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before message")
		}
		if msg.Topic != topic || string(msg.Payload) != payload {
			t.Fatalf("unexpected message %s=%q", msg.Topic, msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}
}

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "claim:profiles:p1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(context.Background(), "claim:profiles:p1", []byte("B")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectMessage(t, ch, "claim:profiles:p1", "B")

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if _, ok := bus.subs["key"]; ok {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestFullSubscriberDropsMessage(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "key", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if m := bus.Metrics(); m.Published != 3 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	_ = bus.Unsubscribe(ctx, "key", ch)
	_ = bus.Unsubscribe(ctx, "key", ch)
}
