// Package handlers is the public gateway: the REST API, the frame intake
// WebSocket, and the signaling WebSocket.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/escalate"
	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/internal/pipeline"
	"github.com/jddunn/safeos/internal/profiles"
	"github.com/jddunn/safeos/internal/review"
	"github.com/jddunn/safeos/internal/signaling"
	"github.com/jddunn/safeos/internal/streams"
	"github.com/jddunn/safeos/pkg/logging"
	"github.com/jddunn/safeos/pkg/monitoring"
	"github.com/jddunn/safeos/pkg/version"
)

// Store is the slice of the persistence layer the gateway touches directly.
// Stream rows go through the manager; review rows go through the queue.
type Store interface {
	Ping(ctx context.Context) error
	GetStream(ctx context.Context, id string) (*models.Stream, error)
	ListStreams(ctx context.Context) ([]models.Stream, error)
	CreateAlertWithFlag(ctx context.Context, alert *models.Alert, flag *models.ContentFlag) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlertsByStream(ctx context.Context, streamID string, limit int) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) (bool, error)
	CreateFlag(ctx context.Context, flag *models.ContentFlag) error
	UpsertPushSubscription(ctx context.Context, sub *models.PushSubscription) error
	DeletePushSubscription(ctx context.Context, endpoint string) error
	AddSMSRecipient(ctx context.Context, rec *models.SMSRecipient) error
	AddChatRecipient(ctx context.Context, rec *models.ChatRecipient) error
}

// Pipeline accepts frames for analysis and reports load counters.
type Pipeline interface {
	Enqueue(streamID string, frame models.Frame)
	Stats() pipeline.Stats
}

// Engine drives alert escalation.
type Engine interface {
	Start(alert models.Alert)
	Acknowledge(alertID string) bool
}

// Handlers carries the gateway's dependencies. Socket subscriptions need the
// concrete hub; published events go through sink so telemetry fan-outs see
// them too.
type Handlers struct {
	store    Store
	manager  *streams.Manager
	pipeline Pipeline
	engine   Engine
	registry *profiles.Registry
	queue    *review.Queue
	hub      *events.Hub
	sink     events.Sink
	sw       *signaling.Switch
	health   *monitoring.HealthChecker
	logger   logging.Logger
	started  time.Time
}

func NewHandlers(
	store Store,
	manager *streams.Manager,
	pipe Pipeline,
	engine Engine,
	registry *profiles.Registry,
	queue *review.Queue,
	hub *events.Hub,
	sink events.Sink,
	sw *signaling.Switch,
	logger logging.Logger,
) *Handlers {
	if sink == nil {
		sink = hub
	}
	h := &Handlers{
		store:    store,
		manager:  manager,
		pipeline: pipe,
		engine:   engine,
		registry: registry,
		queue:    queue,
		hub:      hub,
		sink:     sink,
		sw:       sw,
		logger:   logger,
		started:  time.Now(),
	}
	h.health = monitoring.NewHealthChecker(version.Service, version.Version)
	h.health.AddCheck("database", h.databaseCheck)
	h.health.AddCheck("events", h.eventsCheck)
	return h
}

// RegisterAPIRoutes mounts the REST surface on the API listener.
func (h *Handlers) RegisterAPIRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/health", h.health.Handler())

		api.GET("/streams", h.ListStreams)
		api.POST("/streams", h.CreateStream)
		api.GET("/streams/:id", h.GetStream)
		api.PATCH("/streams/:id", h.UpdateStream)
		api.DELETE("/streams/:id", h.DeleteStream)
		api.POST("/streams/:id/pause", h.PauseStream)
		api.POST("/streams/:id/resume", h.ResumeStream)
		api.GET("/streams/:id/alerts", h.ListStreamAlerts)
		api.POST("/streams/:id/alerts", h.CreateManualAlert)

		api.POST("/alerts/:id/ack", h.AcknowledgeAlert)

		api.GET("/profiles", h.ListProfiles)
		api.POST("/profiles", h.CreateProfile)
		api.DELETE("/profiles/:id", h.DeleteProfile)
		api.POST("/profiles/:id/activate", h.ActivateProfile)

		api.GET("/review/flags", h.ListReviewFlags)
		api.POST("/review/flags", h.CreateReviewFlag)
		api.POST("/review/next", h.NextReviewItem)
		api.POST("/review/flags/:id/action", h.ReviewFlagAction)
		api.POST("/review/flags/:id/submit", h.SubmitReviewDecision)

		api.POST("/notifications/subscribe/push", h.SubscribePush)
		api.DELETE("/notifications/subscribe/push", h.UnsubscribePush)
		api.POST("/notifications/subscribe/sms", h.SubscribeSMS)
		api.POST("/notifications/subscribe/telegram", h.SubscribeChat)
	}
}

// RegisterWSRoutes mounts the WebSocket surface on the intake listener.
func (h *Handlers) RegisterWSRoutes(router *gin.Engine) {
	router.GET("/ws/stream/:id", h.StreamSocket)
	router.GET("/signaling", h.SignalingSocket)
}

func respondErr(c *gin.Context, err error) {
	c.JSON(models.HTTPStatus(err), models.Fail(err.Error()))
}

func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) && len(verr) > 0 {
			return fmt.Errorf("field %s fails %q: %w", verr[0].Field(), verr[0].Tag(), models.ErrInvalidInput)
		}
		return fmt.Errorf("malformed request body: %w", models.ErrInvalidInput)
	}
	return nil
}

// ListStreams returns every stream row, live or ended.
func (h *Handlers) ListStreams(c *gin.Context) {
	list, err := h.store.ListStreams(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(list))
}

type createStreamRequest struct {
	Name     string          `json:"name"`
	Scenario models.Scenario `json:"scenario"`
	UserID   *string         `json:"user_id"`
}

func (h *Handlers) CreateStream(c *gin.Context) {
	var req createStreamRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.Name == "" {
		respondErr(c, fmt.Errorf("stream name required: %w", models.ErrInvalidInput))
		return
	}

	stream, err := h.manager.Create(c.Request.Context(), req.Name, req.Scenario, req.UserID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OK(stream))
}

// GetStream prefers the live registry so counters are current, falling back
// to the store for ended streams.
func (h *Handlers) GetStream(c *gin.Context) {
	id := c.Param("id")
	if stream := h.manager.Get(id); stream != nil {
		c.JSON(http.StatusOK, models.OK(stream))
		return
	}
	stream, err := h.store.GetStream(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(stream))
}

type updateStreamRequest struct {
	Status      *models.StreamStatus      `json:"status"`
	Preferences *models.StreamPreferences `json:"preferences"`
}

func (h *Handlers) UpdateStream(c *gin.Context) {
	id := c.Param("id")
	var req updateStreamRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if req.Status == nil && req.Preferences == nil {
		respondErr(c, fmt.Errorf("nothing to update: %w", models.ErrInvalidInput))
		return
	}

	ctx := c.Request.Context()
	if req.Status != nil {
		var err error
		switch *req.Status {
		case models.StreamPaused:
			err = h.manager.Pause(ctx, id)
		case models.StreamActive:
			err = h.manager.Resume(ctx, id)
		case models.StreamDisconnected:
			err = h.manager.End(ctx, id)
		default:
			err = fmt.Errorf("status %q not settable: %w", *req.Status, models.ErrInvalidInput)
		}
		if err != nil {
			respondErr(c, err)
			return
		}
	}
	if req.Preferences != nil {
		if err := h.manager.SetPreferences(ctx, id, req.Preferences); err != nil {
			respondErr(c, err)
			return
		}
	}

	if stream := h.manager.Get(id); stream != nil {
		c.JSON(http.StatusOK, models.OK(stream))
		return
	}
	stream, err := h.store.GetStream(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(stream))
}

func (h *Handlers) DeleteStream(c *gin.Context) {
	if err := h.manager.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(nil))
}

func (h *Handlers) PauseStream(c *gin.Context) {
	h.setStreamState(c, h.manager.Pause)
}

func (h *Handlers) ResumeStream(c *gin.Context) {
	h.setStreamState(c, h.manager.Resume)
}

func (h *Handlers) setStreamState(c *gin.Context, transition func(context.Context, string) error) {
	id := c.Param("id")
	if err := transition(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(h.manager.Get(id)))
}

func (h *Handlers) ListStreamAlerts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	alerts, err := h.store.ListAlertsByStream(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(alerts))
}

type manualAlertRequest struct {
	Severity models.AlertSeverity `json:"severity"`
	Title    string               `json:"title"`
	Body     string               `json:"body"`
}

// CreateManualAlert lets an operator raise an alert by hand. It runs the
// same persist-then-escalate path the pipeline uses.
func (h *Handlers) CreateManualAlert(c *gin.Context) {
	streamID := c.Param("id")
	var req manualAlertRequest
	if err := bindJSON(c, &req); err != nil {
		respondErr(c, err)
		return
	}
	if !req.Severity.Valid() {
		respondErr(c, fmt.Errorf("severity %q: %w", req.Severity, models.ErrInvalidInput))
		return
	}
	if req.Title == "" {
		respondErr(c, fmt.Errorf("alert title required: %w", models.ErrInvalidInput))
		return
	}
	if h.manager.Get(streamID) == nil {
		respondErr(c, fmt.Errorf("stream %s: %w", streamID, models.ErrNotFound))
		return
	}

	alert := models.Alert{
		ID:              uuid.New().String(),
		StreamID:        streamID,
		Type:            models.AlertManual,
		Severity:        req.Severity,
		Title:           req.Title,
		Body:            req.Body,
		CreatedAt:       time.Now().UTC(),
		EscalationLevel: escalate.StartLevel(req.Severity),
	}
	if err := h.store.CreateAlertWithFlag(c.Request.Context(), &alert, nil); err != nil {
		respondErr(c, err)
		return
	}
	h.manager.IncAlerts(streamID)
	h.engine.Start(alert)
	h.sink.Publish(events.Event{
		Type:     events.TypeAlertCreated,
		StreamID: streamID,
		Data:     map[string]any{"alert": alert},
	})

	c.JSON(http.StatusCreated, models.OK(alert))
}

// AcknowledgeAlert halts escalation and stamps the row. Acknowledging twice
// lands in the same terminal state.
func (h *Handlers) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	transitioned, err := h.store.AcknowledgeAlert(c.Request.Context(), id, time.Now().UTC())
	if err != nil {
		respondErr(c, err)
		return
	}
	h.engine.Acknowledge(id)
	if transitioned {
		h.sink.Publish(events.Event{
			Type: events.TypeAlertAcked,
			Data: map[string]any{"alert_id": id},
		})
	}
	c.JSON(http.StatusOK, models.OK(gin.H{"acknowledged": true, "already": !transitioned}))
}

func (h *Handlers) ListProfiles(c *gin.Context) {
	list, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(list))
}

func (h *Handlers) CreateProfile(c *gin.Context) {
	var profile models.Profile
	if err := bindJSON(c, &profile); err != nil {
		respondErr(c, err)
		return
	}
	if err := h.registry.Create(c.Request.Context(), &profile); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.OK(profile))
}

func (h *Handlers) DeleteProfile(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(nil))
}

func (h *Handlers) ActivateProfile(c *gin.Context) {
	profile, err := h.registry.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OK(profile))
}
