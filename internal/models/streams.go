package models

import (
	"time"
)

// Scenario selects the monitoring context: which prompts the vision models
// receive and which motion/audio thresholds gate triage.
type Scenario string

const (
	ScenarioPet     Scenario = "pet"
	ScenarioBaby    Scenario = "baby"
	ScenarioElderly Scenario = "elderly"
)

// Valid reports whether the scenario is one of the known monitoring contexts.
func (s Scenario) Valid() bool {
	switch s {
	case ScenarioPet, ScenarioBaby, ScenarioElderly:
		return true
	}
	return false
}

// StreamStatus is the lifecycle state of a monitored stream.
type StreamStatus string

const (
	StreamConnecting   StreamStatus = "connecting"
	StreamActive       StreamStatus = "active"
	StreamPaused       StreamStatus = "paused"
	StreamDisconnected StreamStatus = "disconnected"
)

// Stream represents one monitored camera feed. At most one intake socket is
// bound at a time; counters are mutated in memory and flushed periodically.
type Stream struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	UserID        *string            `json:"user_id,omitempty"`
	Scenario      Scenario           `json:"scenario"`
	Status        StreamStatus       `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	EndedAt       *time.Time         `json:"ended_at,omitempty"`
	FrameCount    int64              `json:"frame_count"`
	AlertCount    int64              `json:"alert_count"`
	FramesDropped int64              `json:"frames_dropped"`
	LastPing      time.Time          `json:"last_ping"`
	Preferences   *StreamPreferences `json:"preferences,omitempty"`
}

// StreamPreferences carries per-stream overrides: sensitivity adjustments for
// the triage filter and channel toggles consulted when notifications fan out.
type StreamPreferences struct {
	MotionSensitivity *float64 `json:"motion_sensitivity,omitempty"`
	AudioSensitivity  *float64 `json:"audio_sensitivity,omitempty"`
	NotifyBrowser     *bool    `json:"notify_browser,omitempty"`
	NotifySMS         *bool    `json:"notify_sms,omitempty"`
	NotifyChat        *bool    `json:"notify_chat,omitempty"`
}

// Frame is a single captured image plus its local trigger scores. Frames are
// ephemeral: the payload lives only until analysis dispatch and is never
// persisted or serialized outward.
type Frame struct {
	ID          string    `json:"id"`
	StreamID    string    `json:"stream_id"`
	CapturedAt  time.Time `json:"captured_at"`
	Payload     []byte    `json:"-"`
	MotionScore float64   `json:"motion_score"`
	AudioLevel  float64   `json:"audio_level"`
	ZoneMask    *string   `json:"zone_mask,omitempty"`
}
