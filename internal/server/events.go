package server

import (
	"context"
	"sync"
	"time"
)

const (
	SyncEventActivity  = "sync-activity"
	syncEventHeartbeat = "heartbeat"
)

// SyncEvent tells listening devices that the owner's ledger advanced.
// DeviceID names the device whose push produced the new entries so a
// listener can ignore its own activity.
type SyncEvent struct {
	OwnerID   string
	DeviceID  string
	LatestSeq int64
	Timestamp time.Time
}

type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	stream chan SyncEvent
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[string]map[int64]*eventSubscriber),
		bufferSize:  16,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan SyncEvent, func()) {
	if ownerID == "" {
		ch := make(chan SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &eventSubscriber{
		id:     d.nextSequence(),
		stream: make(chan SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(ownerID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(ownerID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans the event out to the owner's subscribers. Slow consumers are
// skipped rather than blocked; a missed event only delays the next sync
// until the heartbeat or timer fires.
func (d *EventDispatcher) Publish(event SyncEvent) {
	if event.OwnerID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*eventSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *EventDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *EventDispatcher) registerSubscriber(ownerID string, subscriber *eventSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*eventSubscriber)
	}
	d.subscribers[ownerID][subscriber.id] = subscriber
}

func (d *EventDispatcher) unregisterSubscriber(ownerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	d.mu.Unlock()
}
