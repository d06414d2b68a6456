package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/clients/chatbot"
	"github.com/jddunn/safeos/pkg/logging"
)

// ChatStore lists the registered chat conversations.
type ChatStore interface {
	ListChatRecipients(ctx context.Context) ([]models.ChatRecipient, error)
}

type chatSender interface {
	SendMessage(ctx context.Context, chatID, text string, silent bool) error
}

// ChatChannel delivers alerts through the chat bot. Info-severity messages
// are sent silently so routine notices do not buzz phones.
type ChatChannel struct {
	sender chatSender
	store  ChatStore
	logger logging.Logger
}

func NewChatChannel(client *chatbot.Client, store ChatStore, logger logging.Logger) *ChatChannel {
	ch := &ChatChannel{store: store, logger: logger}
	if client != nil {
		ch.sender = client
	}
	return ch
}

func (c *ChatChannel) Name() models.Channel { return models.ChannelChat }

func (c *ChatChannel) Available() bool { return c.sender != nil }

func (c *ChatChannel) Targets(ctx context.Context) ([]Target, error) {
	recipients, err := c.store.ListChatRecipients(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(recipients))
	for _, rec := range recipients {
		targets = append(targets, Target{
			ID:      rec.ID,
			Address: strconv.FormatInt(rec.ChatID, 10),
		})
	}
	return targets, nil
}

func (c *ChatChannel) Send(ctx context.Context, payload models.NotificationPayload, target Target) error {
	silent := payload.Severity == models.SeverityInfo
	return c.sender.SendMessage(ctx, target.Address, chatText(payload), silent)
}

func chatText(payload models.NotificationPayload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n%s", severityBadge(payload.Severity), payload.Title, payload.Body)
	if payload.Level > 0 {
		fmt.Fprintf(&b, "\nEscalation level %d", payload.Level)
	}
	if payload.URL != "" {
		b.WriteString("\n")
		b.WriteString(payload.URL)
	}
	return b.String()
}

func severityBadge(severity models.AlertSeverity) string {
	switch severity {
	case models.SeverityCritical:
		return "\U0001F6A8" // police light
	case models.SeverityUrgent:
		return "⚠️" // warning sign
	case models.SeverityWarning:
		return "\U0001F7E1" // yellow circle
	default:
		return "ℹ️" // information
	}
}
