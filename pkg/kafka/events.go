package kafka

import (
	"time"
)

// MonitorEvent is a single monitoring event exported for downstream
// analytics consumers.
type MonitorEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Source        string                 `json:"source"`
	StreamID      *string                `json:"stream_id,omitempty"`
	AlertID       *string                `json:"alert_id,omitempty"`
	UserID        *string                `json:"user_id,omitempty"`
	Scenario      string                 `json:"scenario,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// Event types exported to the monitor_events topic.
const (
	EventStreamCreated = "stream:created"
	EventStreamEnded   = "stream:ended"
	EventFrameAnalyzed = "frame:analyzed"
	EventAlertCreated  = "alert:created"
	EventAlertAcked    = "alert:acknowledged"
	EventEscalation    = "escalation"
	EventFlagCreated   = "flag:created"
)

// ProducerInterface defines the interface for event producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishEvent(event *MonitorEvent) error
	PublishBatch(events []MonitorEvent) error
	Close() error
	HealthCheck() error
}
