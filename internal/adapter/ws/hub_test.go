package ws

import (
	"context"
	"testing"

	"github.com/droverhq/drover/internal/domain/event"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := NewHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubPublishNoConnections(t *testing.T) {
	hub := NewHub()

	ev := event.New("r1", "researcher", event.TypeRunStarted, event.RunStartedPayload{Task: "go"})
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := NewHub()

	// Removing a connection that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel}
	hub.remove(c)
}

func TestConnWants(t *testing.T) {
	c := &conn{}

	if !c.wants("researcher") {
		t.Fatal("unsubscribed connection should want everything")
	}

	c.subscribe([]string{"researcher", "writer"})
	if !c.wants("researcher") {
		t.Fatal("expected subscribed agent to match")
	}
	if c.wants("planner") {
		t.Fatal("expected unsubscribed agent to be filtered")
	}

	c.subscribe(nil)
	if !c.wants("planner") {
		t.Fatal("clearing the subscription should match everything again")
	}
}
