package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	dispatcher.Publish("user-1", sync.TagCreated{
		At:  sync.FormatCursor(1_000),
		Tag: sync.TagProjection{ID: "tag-1", Name: "news"},
	})

	select {
	case received := <-stream:
		if received.UserID != "user-1" {
			t.Fatalf("expected user-1, got %s", received.UserID)
		}
		if received.Event.Kind() != sync.KindTagCreated {
			t.Fatalf("expected tag_created, got %s", received.Event.Kind())
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByUser(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	userStream, cleanup := dispatcher.Subscribe(ctx, "user-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "user-3")
	defer otherCleanup()

	dispatcher.Publish("user-3", sync.TagDeleted{At: sync.FormatCursor(1_000), ID: "tag-1"})

	select {
	case <-userStream:
		t.Fatal("did not expect realtime message for unrelated user")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case message := <-otherStream:
		if message.UserID != "user-3" {
			t.Fatalf("expected user-3, received %s", message.UserID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed user")
	}
}

func TestRealtimeDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "user-1")
	defer cleanup()

	// Publish past the buffer without draining; delivery must never block.
	for i := 0; i < 100; i++ {
		dispatcher.Publish("user-1", sync.TagDeleted{
			At: sync.FormatCursor(int64(i)),
			ID: "tag-1",
		})
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
			continue
		default:
		}
		break
	}
	if drained == 0 || drained > 100 {
		t.Fatalf("expected buffered subset delivered, got %d", drained)
	}
}

func TestRealtimeDispatcherCleansUpOnContextCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx, "user-1")
	cancel()

	deadline := time.After(500 * time.Millisecond)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers["user-1"])
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected subscription removed after context cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}

	dispatcher.Publish("user-1", sync.TagDeleted{At: sync.FormatCursor(1), ID: "tag-1"})
	select {
	case <-stream:
		t.Fatal("did not expect delivery after cleanup")
	case <-time.After(100 * time.Millisecond):
	}
}
