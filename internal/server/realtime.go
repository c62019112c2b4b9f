package server

import (
	"context"
	"sync"
	"time"

	"github.com/haulware/docsync/internal/document"
)

const (
	RealtimeEventCollectionChanged = "collection-change"
	realtimeEventHeartbeat         = "heartbeat"
)

// RealtimeMessage is one fan-out event: the full visible document set of a
// collection after a change.
type RealtimeMessage struct {
	Collection string
	EventType  string
	Documents  []document.Document
	Timestamp  time.Time
}

// RealtimeDispatcher fans one upstream repository subscription per
// collection out to any number of streaming HTTP clients.
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
		bufferSize:  16,
	}
}

// Subscribe registers a stream for one collection's events. Cancelling the
// context or calling the cleanup function removes the registration.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, collection string) (<-chan RealtimeMessage, func()) {
	if collection == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(collection, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(collection, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber of its collection. Slow
// consumers drop messages rather than block the publisher.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Collection == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Collection]
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

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(collection string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(collection string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}
