package models

import (
	"time"
)

// FlagStatus tracks a content flag through the review queue. blocked is the
// terminal state a reject/ban decision leaves the flag in; dismissed is the
// terminal state for safe.
type FlagStatus string

const (
	FlagPending   FlagStatus = "pending"
	FlagAssigned  FlagStatus = "assigned"
	FlagReviewed  FlagStatus = "reviewed"
	FlagEscalated FlagStatus = "escalated"
	FlagDismissed FlagStatus = "dismissed"
	FlagBlocked   FlagStatus = "blocked"
)

// ContentFlag marks a frame whose detected issues intersected the configured
// moderation categories. Tier 4 is the privileged escalation bucket.
type ContentFlag struct {
	ID         string     `json:"id"`
	StreamID   string     `json:"stream_id"`
	FrameID    *string    `json:"frame_id,omitempty"`
	Tier       int        `json:"tier"`
	Categories []string   `json:"categories"`
	Status     FlagStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ReviewDecision is a reviewer's verdict on an assigned item.
type ReviewDecision string

const (
	DecisionSafe     ReviewDecision = "safe"
	DecisionBlock    ReviewDecision = "block"
	DecisionEscalate ReviewDecision = "escalate"
	DecisionBan      ReviewDecision = "ban"
)

// Valid reports whether the decision is a known verdict.
func (d ReviewDecision) Valid() bool {
	switch d {
	case DecisionSafe, DecisionBlock, DecisionEscalate, DecisionBan:
		return true
	}
	return false
}

// BlurLevel instructs the reviewer UI how heavily to obscure the flagged
// content. The queue never mutates frame bytes itself.
type BlurLevel string

const (
	BlurNone  BlurLevel = "none"
	BlurLight BlurLevel = "light"
	BlurHeavy BlurLevel = "heavy"
	BlurFull  BlurLevel = "full"
)

// ReviewItem is a content flag plus its review-queue metadata. While a flag
// is assigned, exactly one reviewer holds the lease. StreamRef replaces the
// raw stream id for tier 3+ items shown to non-privileged reviewers.
type ReviewItem struct {
	ContentFlag
	AssignedTo *string         `json:"assigned_to,omitempty"`
	AssignedAt *time.Time      `json:"assigned_at,omitempty"`
	ReviewerID *string         `json:"reviewer_id,omitempty"`
	ReviewedAt *time.Time      `json:"reviewed_at,omitempty"`
	Decision   *ReviewDecision `json:"decision,omitempty"`
	Notes      *string         `json:"notes,omitempty"`
	Anonymized bool            `json:"anonymized"`
	BlurLevel  BlurLevel       `json:"blur_level"`
	StreamRef  string          `json:"stream_ref,omitempty"`
}

// BlurForTier maps a flag tier onto the blur instruction stored with the
// review item.
func BlurForTier(tier int) BlurLevel {
	switch {
	case tier <= 1:
		return BlurNone
	case tier == 2:
		return BlurLight
	case tier == 3:
		return BlurHeavy
	default:
		return BlurFull
	}
}
