package server

import (
	"context"
	syncpkg "sync"

	"github.com/MarcoPoloResearchLab/estuary/internal/sync"
)

const (
	realtimeEventSync      = "sync"
	realtimeEventHeartbeat = "heartbeat"
)

// RealtimeMessage carries one sync event to one user's live connections.
// The payload contract is exactly the ordered-event transport's: a consumer
// feeds the decoded event into the same reconciler code path either way.
type RealtimeMessage struct {
	UserID string
	Event  sync.Event
}

// RealtimeDispatcher fans mutations out to per-user push subscribers.
// Delivery is best effort: a subscriber whose buffer is full misses the
// message and recovers on its next pull, which is the system of record.
type RealtimeDispatcher struct {
	mu          syncpkg.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers a live connection for the user. The returned cleanup
// releases the subscription; it also runs on context cancellation so a
// dropped connection leaves no server-side state behind.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers one event to every live connection of the user without
// blocking: a full buffer drops the message.
func (d *RealtimeDispatcher) Publish(userID string, event sync.Event) {
	if userID == "" || event == nil {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[userID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	message := RealtimeMessage{UserID: userID, Event: event}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishAll delivers an ordered batch of events.
func (d *RealtimeDispatcher) PublishAll(userID string, events []sync.Event) {
	for _, event := range events {
		d.Publish(userID, event)
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
