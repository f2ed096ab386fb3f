// Package hooks delivers escrow lifecycle events to external integrations.
// Delivery is fire-and-forget: emitters absorb and log failures, handlers
// never block on them.
package hooks

import (
	"fmt"
	"log/slog"
	"time"
)

// Event identifies an escrow lifecycle transition.
type Event string

const (
	EventCreated           Event = "CREATED"
	EventCompletionSettled Event = "COMPLETION_SETTLED"
	EventDisputeSettled    Event = "DISPUTE_SETTLED"
	EventVerdictSettled    Event = "VERDICT_SETTLED"
)

// Envelope is the payload shipped to every sink.
type Envelope struct {
	ID        string                 `json:"id"`
	Event     Event                  `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEnvelope stamps an event for delivery.
func NewEnvelope(event Event, data map[string]interface{}) *Envelope {
	return &Envelope{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Event:     event,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Emitter is the sink contract.
type Emitter interface {
	Emit(event Event, data map[string]interface{})
	Shutdown()
}

// LogSink records every hook event to the structured log. It is always
// installed so settlements leave a trace even with no external sink.
type LogSink struct{}

func (LogSink) Emit(event Event, data map[string]interface{}) {
	slog.Info("escrow hook", "event", string(event), "data", data)
}

func (LogSink) Shutdown() {}

// Multi fans an event out to several sinks.
type Multi []Emitter

func (m Multi) Emit(event Event, data map[string]interface{}) {
	for _, e := range m {
		e.Emit(event, data)
	}
}

func (m Multi) Shutdown() {
	for _, e := range m {
		e.Shutdown()
	}
}
