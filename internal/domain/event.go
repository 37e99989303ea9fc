package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentRegistered    EventType = "agent.registered"
	EventAgentStatusChanged EventType = "agent.status_changed"
	EventAgentRouted        EventType = "agent.routed"
	EventAgentDelegated     EventType = "agent.delegated"
	EventArchiveExtracted   EventType = "archive.extracted"
	EventArchiveOffloaded   EventType = "archive.offloaded"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler processes a published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus publishes events to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}
