package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCycleCompleted    EventType = "CYCLE_COMPLETED"
	EventCycleSkipped      EventType = "CYCLE_SKIPPED"
	EventDecisionJournaled EventType = "DECISION_JOURNALED"
	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventSchedulerState    EventType = "SCHEDULER_STATE"
	EventMindUpdated       EventType = "MIND_UPDATED"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer never blocks the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDecisionJournaled publishes a decision journaled event
func (eb *EventBus) PublishDecisionJournaled(decisionID int64, symbol, action string, confidence float64, approved bool) {
	eb.Publish(Event{
		Type: EventDecisionJournaled,
		Data: map[string]interface{}{
			"decision_id": decisionID,
			"symbol":      symbol,
			"action":      action,
			"confidence":  confidence,
			"approved":    approved,
		},
	})
}

// PublishTradeExecuted publishes a paper fill event
func (eb *EventBus) PublishTradeExecuted(tradeID int64, symbol, side string, quantity, price float64) {
	eb.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"trade_id": tradeID,
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"price":    price,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
