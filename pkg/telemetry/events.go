package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

var _ engine.EventPublisher = (*EventPublisher)(nil)

// ErrBufferFull is returned by Publish when the async queue is full.
var ErrBufferFull = errors.New("event buffer full")

// EventSubscriber handles an event. Subscribers are called in publish order
// from a single goroutine and must not block.
type EventSubscriber func(event *engine.Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans engine events out to subscribers.
type EventPublisher struct {
	config EventsConfig
	buffer chan *engine.Event

	mu          sync.RWMutex
	subscribers map[string]subscriberEntry
	order       []string

	sendMu sync.RWMutex
	closed bool
	done   chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. Async publishers deliver from a
// background goroutine until Shutdown.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config:      cfg,
		subscribers: make(map[string]subscriberEntry),
		done:        make(chan struct{}),
	}
	if cfg.Enabled && cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.buffer = make(chan *engine.Event, size)
		go ep.processEvents()
	} else {
		close(ep.done)
	}
	return ep
}

// Publish queues event for delivery. Missing ids and timestamps are filled in.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.buffer == nil {
		ep.deliver(event)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ep.sendMu.RLock()
	defer ep.sendMu.RUnlock()
	if ep.closed {
		return fmt.Errorf("event publisher is shut down")
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("dropping %s event: %w", event.Type, ErrBufferFull)
	}
}

// Subscribe registers subscriber for events accepted by filter, or for every
// event when filter is nil. It returns the subscription id.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) string {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := uuid.New().String()
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}
	ep.order = append(ep.order, id)
	return id
}

// Unsubscribe removes a subscription.
func (ep *EventPublisher) Unsubscribe(id string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if _, ok := ep.subscribers[id]; !ok {
		return
	}
	delete(ep.subscribers, id)
	for i, sid := range ep.order {
		if sid == id {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
}

func (ep *EventPublisher) processEvents() {
	defer close(ep.done)
	for event := range ep.buffer {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event *engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, id := range ep.order {
		entry := ep.subscribers[id]
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep.buffer == nil {
		return nil
	}
	ep.sendMu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.buffer)
	}
	ep.sendMu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event *engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByOperation accepts events of one operation.
func FilterByOperation(operationID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.OperationID == operationID
	}
}
