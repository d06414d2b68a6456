package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/clients/smsgw"
	"github.com/jddunn/safeos/pkg/logging"
)

// SMSStore lists the registered phone numbers.
type SMSStore interface {
	ListSMSRecipients(ctx context.Context) ([]models.SMSRecipient, error)
}

type smsSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

// smsMaxLength keeps each alert inside one GSM-7 message segment.
const smsMaxLength = 160

// SMSChannel delivers alerts as text messages. Sends are rate limited per
// phone number; a refused send returns ErrRateLimited without invoking the
// provider.
type SMSChannel struct {
	sender  smsSender
	store   SMSStore
	limiter *slidingWindow
	logger  logging.Logger
}

func NewSMSChannel(client *smsgw.Client, store SMSStore, limit int, window time.Duration, logger logging.Logger) *SMSChannel {
	ch := &SMSChannel{
		store:   store,
		limiter: newSlidingWindow(limit, window),
		logger:  logger,
	}
	if client != nil {
		ch.sender = client
	}
	return ch
}

func (c *SMSChannel) Name() models.Channel { return models.ChannelSMS }

func (c *SMSChannel) Available() bool { return c.sender != nil }

func (c *SMSChannel) Targets(ctx context.Context) ([]Target, error) {
	recipients, err := c.store.ListSMSRecipients(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(recipients))
	for _, rec := range recipients {
		targets = append(targets, Target{ID: rec.ID, Address: rec.Phone})
	}
	return targets, nil
}

func (c *SMSChannel) Send(ctx context.Context, payload models.NotificationPayload, target Target) error {
	if !c.limiter.Allow(target.Address) {
		return fmt.Errorf("%w: %s", ErrRateLimited, target.ID)
	}
	_, err := c.sender.SendSMS(ctx, target.Address, smsBody(payload))
	return err
}

func smsBody(payload models.NotificationPayload) string {
	body := fmt.Sprintf("[SafeOS] %s: %s", payload.Title, payload.Body)
	if payload.URL != "" {
		body += " " + payload.URL
	}
	return truncate(body, smsMaxLength)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
