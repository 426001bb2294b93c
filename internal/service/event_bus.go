// internal/service/event_bus.go
package service

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mfdeploy/internal/model"
)

// EventFilter selects the events a subscriber receives. A nil SessionID
// matches every session.
type EventFilter struct {
	SessionID *uuid.UUID
}

func (f EventFilter) matches(event model.DeviceEvent) bool {
	return f.SessionID == nil || *f.SessionID == event.SessionID
}

type subscriber struct {
	ch     chan model.DeviceEvent
	filter EventFilter
}

// EventBus fans device events out to subscribers. Slow subscribers lose
// events instead of blocking the publisher.
type EventBus struct {
	mutex       sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	closed      bool
	bufferSize  int
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[int]*subscriber),
		bufferSize:  256,
		logger:      logger,
	}
}

// Subscribe returns a channel of matching events and a function that
// removes the subscription and closes the channel. The function may be
// called more than once.
func (eb *EventBus) Subscribe(filter EventFilter) (<-chan model.DeviceEvent, func()) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	sub := &subscriber{
		ch:     make(chan model.DeviceEvent, eb.bufferSize),
		filter: filter,
	}
	if eb.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}

	id := eb.nextID
	eb.nextID++
	eb.subscribers[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			eb.mutex.Lock()
			defer eb.mutex.Unlock()
			if _, ok := eb.subscribers[id]; ok {
				delete(eb.subscribers, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers event to every matching subscriber without blocking
func (eb *EventBus) Publish(event model.DeviceEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, sub := range eb.subscribers {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.logger.Warn("Subscriber is slow, dropping event",
				zap.String("event_type", string(event.EventType)),
				zap.String("session_id", event.SessionID.String()),
			)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (eb *EventBus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (eb *EventBus) Close() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subscribers {
		close(sub.ch)
		delete(eb.subscribers, id)
	}
}
