package transport

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDeliversToAllSubscribersMarkingLocalCorrectly(t *testing.T) {
	bus := NewBus()
	a := NewMemory(bus, "a")
	b := NewMemory(bus, "b")

	subA, err := a.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	defer subA.Cancel()
	subB, err := b.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	defer subB.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Publish(ctx, "topic", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgA, err := subA.Next(ctx)
	if err != nil {
		t.Fatalf("subA.Next: %v", err)
	}
	if !msgA.Local {
		t.Fatalf("expected a's own subscriber to see Local=true")
	}

	msgB, err := subB.Next(ctx)
	if err != nil {
		t.Fatalf("subB.Next: %v", err)
	}
	if msgB.Local {
		t.Fatalf("expected b's subscriber to see Local=false")
	}
	if string(msgB.Data) != "hello" {
		t.Fatalf("data = %q, want %q", msgB.Data, "hello")
	}
}

func TestMemoryCancelledSubscriptionReturnsError(t *testing.T) {
	bus := NewBus()
	a := NewMemory(bus, "a")
	sub, err := a.Subscribe("topic")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); err == nil {
		t.Fatalf("expected an error from Next after Cancel")
	}
}

func TestMemoryDoesNotDeliverAcrossTopics(t *testing.T) {
	bus := NewBus()
	a := NewMemory(bus, "a")
	sub, err := a.Subscribe("topic-x")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.Publish(context.Background(), "topic-y", []byte("nope")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := sub.Next(ctx); err == nil {
		t.Fatalf("expected no delivery for a different topic")
	}
}
