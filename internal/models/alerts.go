package models

import (
	"time"
)

// AlertType classifies what produced an alert.
type AlertType string

const (
	AlertMotion     AlertType = "motion"
	AlertAudio      AlertType = "audio"
	AlertAnalysis   AlertType = "analysis"
	AlertInactivity AlertType = "inactivity"
	AlertManual     AlertType = "manual"
)

// AlertSeverity determines the starting rung of the escalation ladder.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityUrgent   AlertSeverity = "urgent"
	SeverityCritical AlertSeverity = "critical"
)

// Valid reports whether the severity is a known value.
func (s AlertSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityUrgent, SeverityCritical:
		return true
	}
	return false
}

// Alert is a notified event on a stream. The pipeline creates it, the
// escalation engine advances its level, and the gateway acknowledges it.
type Alert struct {
	ID              string        `json:"id"`
	StreamID        string        `json:"stream_id"`
	Type            AlertType     `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Title           string        `json:"title"`
	Body            string        `json:"body"`
	CreatedAt       time.Time     `json:"created_at"`
	Acknowledged    bool          `json:"acknowledged"`
	AcknowledgedAt  *time.Time    `json:"acknowledged_at,omitempty"`
	EscalationLevel int           `json:"escalation_level"`
}

// SoundKind names the alert sound a client should play at a given
// escalation level.
type SoundKind string

const (
	SoundNone     SoundKind = "none"
	SoundChime    SoundKind = "chime"
	SoundAlert    SoundKind = "alert"
	SoundAlarm    SoundKind = "alarm"
	SoundCritical SoundKind = "critical"
)

// Channel names a notification delivery channel.
type Channel string

const (
	ChannelBrowser Channel = "browser"
	ChannelSMS     Channel = "sms"
	ChannelChat    Channel = "chat"
)

// NotificationPayload is the channel-independent content of one
// notification, created per escalation step.
type NotificationPayload struct {
	Title    string        `json:"title"`
	Body     string        `json:"body"`
	Severity AlertSeverity `json:"severity"`
	StreamID string        `json:"stream_id"`
	AlertID  string        `json:"alert_id"`
	URL      string        `json:"url,omitempty"`
	Level    int           `json:"level"`
	Volume   int           `json:"volume"`
	Sound    SoundKind     `json:"sound"`
}
