package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/clients/webpush"
	"github.com/jddunn/safeos/pkg/logging"
)

// PushStore is the subscription persistence the push channel needs.
type PushStore interface {
	ListPushSubscriptions(ctx context.Context) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

type pushSender interface {
	Send(ctx context.Context, sub webpush.Subscription, msg webpush.Message) error
}

// PushChannel delivers alerts as encrypted web push messages to every
// registered browser subscription. Subscriptions the push service rejects
// with 404/410 are deleted on the spot.
type PushChannel struct {
	sender pushSender
	store  PushStore
	logger logging.Logger
}

func NewPushChannel(client *webpush.Client, store PushStore, logger logging.Logger) *PushChannel {
	ch := &PushChannel{store: store, logger: logger}
	if client != nil {
		ch.sender = client
	}
	return ch
}

func (c *PushChannel) Name() models.Channel { return models.ChannelBrowser }

func (c *PushChannel) Available() bool { return c.sender != nil }

func (c *PushChannel) Targets(ctx context.Context) ([]Target, error) {
	subs, err := c.store.ListPushSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, Target{
			ID:      sub.ID,
			Address: sub.Endpoint,
			Keys:    map[string]string{"p256dh": sub.P256dh, "auth": sub.Auth},
		})
	}
	return targets, nil
}

// pushBody is what the service worker receives. Tag dedupes rungs of the
// same alert; require_interaction keeps urgent and critical notifications
// on screen until the user reacts.
type pushBody struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Severity           string `json:"severity"`
	StreamID           string `json:"stream_id"`
	AlertID            string `json:"alert_id"`
	URL                string `json:"url,omitempty"`
	Level              int    `json:"level"`
	Volume             int    `json:"volume"`
	Sound              string `json:"sound"`
	RequireInteraction bool   `json:"require_interaction"`
	Tag                string `json:"tag"`
}

func (c *PushChannel) Send(ctx context.Context, payload models.NotificationPayload, target Target) error {
	body, err := json.Marshal(pushBody{
		Title:              payload.Title,
		Body:               payload.Body,
		Severity:           string(payload.Severity),
		StreamID:           payload.StreamID,
		AlertID:            payload.AlertID,
		URL:                payload.URL,
		Level:              payload.Level,
		Volume:             payload.Volume,
		Sound:              string(payload.Sound),
		RequireInteraction: requireInteraction(payload.Severity),
		Tag:                payload.AlertID,
	})
	if err != nil {
		return err
	}

	err = c.sender.Send(ctx, webpush.Subscription{
		Endpoint: target.Address,
		Keys: webpush.SubscriptionKeys{
			P256dh: target.Keys["p256dh"],
			Auth:   target.Keys["auth"],
		},
	}, webpush.Message{
		Payload: body,
		Urgency: pushUrgency(payload.Severity),
		Topic:   payload.AlertID,
	})
	if errors.Is(err, webpush.ErrSubscriptionGone) {
		if derr := c.store.DeletePushSubscription(ctx, target.Address); derr != nil {
			c.logger.WithFields(logging.Fields{
				"endpoint": target.Address,
				"error":    derr.Error(),
			}).Warn("Failed to delete stale push subscription")
		}
		return fmt.Errorf("%w: %s", ErrTargetGone, target.ID)
	}
	return err
}

func requireInteraction(severity models.AlertSeverity) bool {
	return severity == models.SeverityUrgent || severity == models.SeverityCritical
}

// pushUrgency maps severity onto the Web Push urgency header so push
// services can defer low-stakes notifications on battery-constrained devices.
func pushUrgency(severity models.AlertSeverity) string {
	switch severity {
	case models.SeverityUrgent, models.SeverityCritical:
		return "high"
	default:
		return "normal"
	}
}
