package events

import (
	"time"
)

// Event types published through the hub and, when configured, exported to
// telemetry.
const (
	TypeStreamCreated = "stream:created"
	TypeStreamEnded   = "stream:ended"
	TypeFrameAnalyzed = "frame:analyzed"
	TypeAlertCreated  = "alert:created"
	TypeAlertAcked    = "alert:acknowledged"
	TypeEscalation    = "escalation"
	TypeFlagCreated   = "flag:created"
	TypeFlagReviewed  = "flag:reviewed"
)

// Event is one monitoring event. Events carrying a StreamID are delivered to
// that stream's subscribers; events without one go to every subscriber.
type Event struct {
	Type      string         `json:"type"`
	StreamID  string         `json:"stream_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives published events. Publish must not block.
type Sink interface {
	Publish(event Event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(event Event) {
	for _, sink := range f {
		sink.Publish(event)
	}
}
