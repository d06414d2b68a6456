package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
)

// ListReviewFlags returns queue items filtered by status. High-tier items
// come back anonymized unless reviewer_id names a privileged reviewer.
func (h *Handlers) ListReviewFlags(c *gin.Context) {
	status := models.FlagStatus(c.DefaultQuery("status", string(models.FlagPending)))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	reviewerID := c.Query("reviewer_id")

	items, err := h.queue.List(c.Request.Context(), status, limit, reviewerID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(items))
}

type createFlagRequest struct {
	StreamID   string   `json:"stream_id"`
	FrameID    *string  `json:"frame_id"`
	Tier       int      `json:"tier"`
	Categories []string `json:"categories"`
}

// CreateReviewFlag raises a flag by hand, outside the analysis pipeline.
func (h *Handlers) CreateReviewFlag(c *gin.Context) {
	var req createFlagRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.StreamID == "" {
		respondErr(c, fmt.Errorf("stream_id required: %w", models.ErrInvalidInput))
		return
	}
	if req.Tier < 1 || req.Tier > 4 {
		respondErr(c, fmt.Errorf("tier %d out of range: %w", req.Tier, models.ErrInvalidInput))
		return
	}

	flag := models.ContentFlag{
		ID:         uuid.New().String(),
		StreamID:   req.StreamID,
		FrameID:    req.FrameID,
		Tier:       req.Tier,
		Categories: req.Categories,
		Status:     models.FlagPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateFlag(c.Request.Context(), &flag); err != nil {
		respondErr(c, err)
		return
	}
	h.sink.Publish(events.Event{
		Type:     events.TypeFlagCreated,
		StreamID: flag.StreamID,
		Data:     map[string]any{"flag": flag},
	})

	c.JSON(http.StatusCreated, models.OK(flag))
}

type nextReviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

// NextReviewItem leases the highest-tier pending item to the caller.
func (h *Handlers) NextReviewItem(c *gin.Context) {
	var req nextReviewRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.ReviewerID == "" {
		respondErr(c, fmt.Errorf("reviewer_id required: %w", models.ErrInvalidInput))
		return
	}

	item, err := h.queue.Next(c.Request.Context(), req.ReviewerID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(item))
}

type submitReviewRequest struct {
	ReviewerID string                `json:"reviewer_id"`
	Decision   models.ReviewDecision `json:"decision"`
	Notes      *string               `json:"notes"`
}

// SubmitReviewDecision records a verdict on a leased item. Only the lessee
// may submit; anyone else gets a conflict.
func (h *Handlers) SubmitReviewDecision(c *gin.Context) {
	var req submitReviewRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.ReviewerID == "" {
		respondErr(c, fmt.Errorf("reviewer_id required: %w", models.ErrInvalidInput))
		return
	}

	item, err := h.queue.Submit(c.Request.Context(), c.Param("id"), req.ReviewerID, req.Decision, req.Notes)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(item))
}

type flagActionRequest struct {
	Action     string  `json:"action"`
	ReviewerID string  `json:"reviewer_id"`
	Notes      *string `json:"notes"`
}

// ReviewFlagAction is the coarse moderation verb set layered over Submit:
// approve clears the flag, reject blocks the stream, escalate bumps the item
// to the privileged tier.
func (h *Handlers) ReviewFlagAction(c *gin.Context) {
	var req flagActionRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.ReviewerID == "" {
		respondErr(c, fmt.Errorf("reviewer_id required: %w", models.ErrInvalidInput))
		return
	}

	var decision models.ReviewDecision
	switch req.Action {
	case "approve":
		decision = models.DecisionSafe
	case "reject":
		decision = models.DecisionBlock
	case "escalate":
		decision = models.DecisionEscalate
	default:
		respondErr(c, fmt.Errorf("action %q: %w", req.Action, models.ErrInvalidInput))
		return
	}

	item, err := h.queue.Submit(c.Request.Context(), c.Param("id"), req.ReviewerID, decision, req.Notes)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(item))
}
