package server

import (
	"context"
	"sync"

	"github.com/tabulahq/tabula/backend/internal/collab"
)

// RealtimeDispatcher fans confirmed change-event envelopes out to every
// subscriber of a collection. It satisfies collab.Publisher, so client
// sessions can broadcast through it directly. Slow subscribers are skipped
// rather than blocking the publisher; a client that misses events recovers
// with a full reload, never from a partial backlog.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[collab.CollectionID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan collab.EventEnvelope
}

// NewRealtimeDispatcher constructs an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[collab.CollectionID]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for every envelope published on the collection until
// the context ends. The returned cleanup is idempotent.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, collectionID collab.CollectionID) (<-chan collab.EventEnvelope, func()) {
	if collectionID == "" {
		ch := make(chan collab.EventEnvelope)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan collab.EventEnvelope, d.bufferSize),
	}
	d.registerSubscriber(collectionID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(collectionID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers one envelope to every subscriber of the collection.
func (d *RealtimeDispatcher) Publish(collectionID collab.CollectionID, envelope collab.EventEnvelope) {
	if collectionID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[collectionID]
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
		case subscriber.stream <- envelope:
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

func (d *RealtimeDispatcher) registerSubscriber(collectionID collab.CollectionID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collectionID]; !ok {
		d.subscribers[collectionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[collectionID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(collectionID collab.CollectionID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[collectionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, collectionID)
		}
	}
	d.mu.Unlock()
}
