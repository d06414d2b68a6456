package models

import (
	"time"
)

// PushSubscription is a browser push endpoint registered for alert delivery.
// Endpoints are unique: re-registering the same endpoint updates the keys
// instead of creating a second subscription.
type PushSubscription struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}

// SMSRecipient is a phone number registered for SMS alert delivery,
// stored in E.164 form.
type SMSRecipient struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRecipient is a chat conversation registered for bot alert delivery.
type ChatRecipient struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"user_id,omitempty"`
	ChatID    int64     `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile bundles the prompts and trigger thresholds for one scenario.
// Built-in profiles ship with the service; custom profiles are persisted and
// at most one profile is active per scenario.
type Profile struct {
	ID              string    `json:"id"`
	Scenario        Scenario  `json:"scenario"`
	Name            string    `json:"name"`
	TriagePrompt    string    `json:"triage_prompt"`
	DetailedPrompt  string    `json:"detailed_prompt"`
	MotionThreshold float64   `json:"motion_threshold"`
	AudioThreshold  float64   `json:"audio_threshold"`
	Active          bool      `json:"active"`
	BuiltIn         bool      `json:"built_in"`
	CreatedAt       time.Time `json:"created_at"`
}
