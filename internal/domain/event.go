package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTurnReceived       EventType = "turn.received"
	EventExecutionStep      EventType = "execution.step"
	EventExecutionInterrupt EventType = "execution.interrupt"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionResumed   EventType = "execution.resumed"
	EventExecutionRecovered EventType = "execution.recovered"
	EventStreamDelta        EventType = "stream.delta"
	EventToolCallStarted    EventType = "tool.call.started"
	EventToolCallCompleted  EventType = "tool.call.completed"
	EventAgentDelegated     EventType = "agent.delegated"
	EventModelFallback      EventType = "model.fallback"
	EventGraphCacheCleared  EventType = "graph.cache.cleared"
	EventCheckpointsPruned  EventType = "checkpoint.pruned"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	ThreadID    string          `json:"thread_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that fails to marshal
// is dropped; events are advisory.
func NewEvent(typ EventType, threadID, executionID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now(), ThreadID: threadID, ExecutionID: executionID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// StreamDeltaPayload is the payload for EventStreamDelta events.
type StreamDeltaPayload struct {
	AgentID string `json:"agent_id"`
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// ExecutionFailedPayload is the payload for EventExecutionFailed events.
type ExecutionFailedPayload struct {
	Code    ErrorCode    `json:"code"`
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
	Error   string       `json:"error"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ModelFallbackPayload is the payload for EventModelFallback events.
type ModelFallbackPayload struct {
	Requested string `json:"requested"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}
