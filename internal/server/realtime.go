package server

import (
	"context"
	"sync"
	"time"

	"github.com/AdriaanGeldenhuis/relatives-sub005/internal/geofence"
)

const (
	RealtimeEventLocation  = "location"
	RealtimeEventGeofence  = "geofence"
	realtimeEventHeartbeat = "heartbeat"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one event delivered to a family's live viewers.
type RealtimeMessage struct {
	FamilyID  string    `json:"-"`
	EventType string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to the subscribers of each family.
// Slow subscribers miss messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a subscriber for the family until ctx ends or the
// returned cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, familyID string) (<-chan RealtimeMessage, func()) {
	if familyID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(familyID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(familyID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.FamilyID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.FamilyID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers of the family.
func (d *RealtimeDispatcher) SubscriberCount(familyID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[familyID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(familyID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[familyID]; !ok {
		d.subscribers[familyID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[familyID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(familyID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[familyID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, familyID)
		}
	}
	d.mu.Unlock()
}

// GeofenceNotifier publishes committed geofence transitions to live viewers.
type GeofenceNotifier struct {
	dispatcher *RealtimeDispatcher
}

// NewGeofenceNotifier adapts the dispatcher to geofence.Notifier.
func NewGeofenceNotifier(dispatcher *RealtimeDispatcher) *GeofenceNotifier {
	return &GeofenceNotifier{dispatcher: dispatcher}
}

func (n *GeofenceNotifier) GeofenceTransition(_ context.Context, transition geofence.Transition) {
	if n == nil || n.dispatcher == nil {
		return
	}
	n.dispatcher.Publish(RealtimeMessage{
		FamilyID:  transition.FamilyID,
		EventType: RealtimeEventGeofence,
		Payload:   transition,
		Timestamp: transition.OccurredAt,
	})
}
