// Package events streams scheduler lifecycle events to operational
// websocket clients. Delivery is best-effort: producers never block and
// slow clients lose messages rather than slowing the scheduler.
package events

import "time"

// Topic groups events for client subscriptions.
type Topic string

const (
	TopicOccurrences Topic = "occurrences"
	TopicJobs        Topic = "jobs"
	TopicZombies     Topic = "zombies"
	TopicControl     Topic = "control"
)

// Event types emitted by the scheduler components.
const (
	TypeOccurrencesCreated = "occurrences.created"
	TypeOccurrencesUpdated = "occurrences.updated"
	TypeJobDisabled        = "job.disabled"
	TypeEmergencyStop      = "control.emergency_stop"
)

// Event is one scheduler event on the wire.
type Event struct {
	Type      string    `json:"type"`
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(eventType string, topic Topic, data any) Event {
	return Event{
		Type:      eventType,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sink accepts events from scheduler components. The hub implements it;
// tests substitute a recorder.
type Sink interface {
	Publish(evt Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(Event) {}
