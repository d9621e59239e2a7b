package server

import (
	"context"
	"testing"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "family-1")
	defer cleanup()

	message := RealtimeMessage{
		FamilyID:  "family-1",
		EventType: RealtimeEventLocation,
		Payload:   map[string]any{"user_id": "user-a"},
		Timestamp: time.Now().UTC(),
	}
	dispatcher.Publish(message)

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventLocation {
			t.Fatalf("expected event type %s, got %s", RealtimeEventLocation, received.EventType)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByFamily(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	familyStream, cleanup := dispatcher.Subscribe(ctx, "family-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "family-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		FamilyID:  "family-3",
		EventType: RealtimeEventLocation,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-familyStream:
		t.Fatal("did not expect realtime message for unrelated family")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.FamilyID != "family-3" {
			t.Fatalf("expected family-3, received %s", msg.FamilyID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed family")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "family-4")
	if dispatcher.SubscriberCount("family-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("family-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestGeofenceNotifierPublishesTransitions(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, cleanup := dispatcher.Subscribe(ctx, "family-5")
	defer cleanup()

	occurredAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	NewGeofenceNotifier(dispatcher).GeofenceTransition(ctx, geofence.Transition{
		GeofenceID: "fence-1",
		FamilyID:   "family-5",
		UserID:     "user-a",
		Kind:       geofence.TransitionEnter,
		OccurredAt: occurredAt,
	})

	select {
	case received := <-stream:
		transition, ok := received.Payload.(geofence.Transition)
		if received.EventType != RealtimeEventGeofence || !ok || transition.Kind != geofence.TransitionEnter {
			t.Fatalf("unexpected message %+v", received)
		}
		if !received.Timestamp.Equal(occurredAt) {
			t.Fatalf("expected transition timestamp, got %s", received.Timestamp)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected geofence message")
	}
}
