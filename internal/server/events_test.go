package server

import (
	"context"
	"testing"
	"time"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	dispatcher.Publish(SyncEvent{
		OwnerID:   "owner-1",
		DeviceID:  "device-a",
		LatestSeq: 42,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.LatestSeq != 42 {
			t.Fatalf("expected latest sequence 42, got %d", received.LatestSeq)
		}
		if received.DeviceID != "device-a" {
			t.Fatalf("expected source device device-a, got %s", received.DeviceID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected sync event within deadline")
	}
}

func TestEventDispatcherIsolatesOwners(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	ownerStream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "owner-2")
	defer otherCleanup()

	dispatcher.Publish(SyncEvent{
		OwnerID:   "owner-2",
		DeviceID:  "device-b",
		LatestSeq: 7,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-ownerStream:
		t.Fatal("did not expect event for unrelated owner")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.OwnerID != "owner-2" {
			t.Fatalf("expected owner-2, received %s", event.OwnerID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed owner")
	}
}

func TestEventDispatcherUnsubscribeOnContextCancel(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, cleanup := dispatcher.Subscribe(ctx, "owner-1")
	defer cleanup()
	cancel()

	deadline := time.After(time.Second)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["owner-1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected subscriber to be removed after context cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}

	dispatcher.Publish(SyncEvent{OwnerID: "owner-1", DeviceID: "device-a", LatestSeq: 1})
	select {
	case event := <-stream:
		t.Fatalf("did not expect event after unsubscribe, got %#v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
