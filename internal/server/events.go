package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/model"
	"github.com/MarcoPoloResearchLab/gravity/datasync/internal/syncengine"
)

const defaultSubscriberBuffer = 64

// EventDispatcher fans sync engine events out to server-sent event subscribers.
// Slow subscribers lose events instead of blocking the engine.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
}

type eventSubscriber struct {
	id     int64
	models map[model.ModelName]struct{}
	stream chan syncengine.Event
}

func (s *eventSubscriber) wants(event syncengine.Event) bool {
	if len(s.models) == 0 {
		return true
	}
	_, ok := s.models[event.ModelName]
	return ok
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a subscriber until ctx is done or cleanup is called.
// With no models every event is delivered.
func (d *EventDispatcher) Subscribe(ctx context.Context, models ...model.ModelName) (<-chan syncengine.Event, func()) {
	subscriber := &eventSubscriber{
		models: make(map[model.ModelName]struct{}, len(models)),
		stream: make(chan syncengine.Event, d.bufferSize),
	}
	for _, name := range models {
		subscriber.models[name] = struct{}{}
	}

	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, cleanup)
	return subscriber.stream, func() {
		stop()
		cleanup()
	}
}

// Publish implements syncengine.EventSink.
func (d *EventDispatcher) Publish(event syncengine.Event) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		if subscriber.wants(event) {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports the number of registered subscribers.
func (d *EventDispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
