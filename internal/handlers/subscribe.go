package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/models"
)

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys"`
	UserID *string `json:"user_id"`
}

// SubscribePush registers a browser push endpoint. Subscribing the same
// endpoint again refreshes its keys.
func (h *Handlers) SubscribePush(c *gin.Context) {
	var req pushSubscribeRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}

	sub := models.PushSubscription{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.UpsertPushSubscription(c.Request.Context(), &sub); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OK(sub))
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	var req pushUnsubscribeRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if err := h.store.DeletePushSubscription(c.Request.Context(), req.Endpoint); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(nil))
}

type smsSubscribeRequest struct {
	Phone  string  `json:"phone" binding:"required,e164"`
	UserID *string `json:"user_id"`
}

// SubscribeSMS registers a phone number for SMS delivery. Numbers must be
// E.164 so the gateway never guesses country codes.
func (h *Handlers) SubscribeSMS(c *gin.Context) {
	var req smsSubscribeRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}

	rec := models.SMSRecipient{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Phone:     req.Phone,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AddSMSRecipient(c.Request.Context(), &rec); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OK(rec))
}

type chatSubscribeRequest struct {
	ChatID int64   `json:"chat_id"`
	UserID *string `json:"user_id"`
}

func (h *Handlers) SubscribeChat(c *gin.Context) {
	var req chatSubscribeRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.ChatID == 0 {
		respondErr(c, fmt.Errorf("chat_id required: %w", models.ErrInvalidInput))
		return
	}

	rec := models.ChatRecipient{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		ChatID:    req.ChatID,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AddChatRecipient(c.Request.Context(), &rec); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OK(rec))
}
