// Package notify fans escalation steps out to the delivery channels a rung
// names: browser push, SMS, and chat. Channel adapters resolve their own
// target lists so the fan-out loop stays uniform, and per-target failures
// never cross channel boundaries.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jddunn/safeos/internal/escalate"
	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

// ErrTargetGone marks a target the provider has rejected permanently. The
// adapter has already dropped it from storage; callers should not retry.
var ErrTargetGone = errors.New("notify: target no longer valid")

// ErrRateLimited marks a send suppressed by a delivery rate limit. The
// provider was not invoked.
var ErrRateLimited = errors.New("notify: rate limit exceeded")

// Target is one delivery destination resolved by a channel adapter: a push
// endpoint, a phone number, or a chat conversation.
type Target struct {
	ID      string
	Address string
	Keys    map[string]string
}

// Channel is one delivery transport. Available reports whether the adapter
// is configured; unavailable channels are skipped without logging noise.
type Channel interface {
	Name() models.Channel
	Available() bool
	Targets(ctx context.Context) ([]Target, error)
	Send(ctx context.Context, payload models.NotificationPayload, target Target) error
}

// StreamDirectory resolves live stream state so per-stream notification
// toggles can veto a channel before any target is contacted.
type StreamDirectory interface {
	Get(id string) *models.Stream
}

// Options tunes the notifier fan-out.
type Options struct {
	// MaxConcurrentSends caps in-flight provider calls across all channels.
	MaxConcurrentSends int
	// SendTimeout bounds one provider call, target resolution included.
	SendTimeout time.Duration
	// DashboardURL, when set, becomes the base for alert deep links.
	DashboardURL string
}

// Notifier delivers one notification per escalation rung to every eligible
// target. It is the escalation engine's sink: Escalate never blocks, all
// provider traffic happens on bounded background goroutines.
type Notifier struct {
	opts     Options
	channels []Channel
	streams  StreamDirectory
	hub      events.Sink
	logger   logging.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	sent       atomic.Uint64
	failed     atomic.Uint64
	suppressed atomic.Uint64
}

// NewNotifier builds a notifier with no channels registered. streams and hub
// may be nil: a nil directory disables preference checks, a nil hub disables
// event publishing.
func NewNotifier(opts Options, streams StreamDirectory, hub events.Sink, logger logging.Logger) *Notifier {
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = 8
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	return &Notifier{
		opts:    opts,
		streams: streams,
		hub:     hub,
		logger:  logger,
		sem:     make(chan struct{}, opts.MaxConcurrentSends),
	}
}

// Register adds a delivery channel. Not safe to call once escalations flow.
func (n *Notifier) Register(ch Channel) {
	if ch != nil {
		n.channels = append(n.channels, ch)
	}
}

// Escalate implements escalate.Sink. Every rung is published to the event
// hub; rungs that name channels additionally fan out to their targets.
func (n *Notifier) Escalate(alert models.Alert, step escalate.Step) {
	payload := n.payload(alert, step)
	n.publish(alert, step)

	if len(step.Channels) == 0 {
		return
	}
	prefs := n.preferences(alert.StreamID)
	for _, ch := range n.channels {
		if !stepNames(step, ch.Name()) {
			continue
		}
		if !channelEnabled(prefs, ch.Name()) {
			n.suppressed.Add(1)
			n.logger.WithFields(logging.Fields{
				"stream_id": alert.StreamID,
				"channel":   ch.Name(),
			}).Debug("Channel disabled by stream preferences")
			continue
		}
		if !ch.Available() {
			continue
		}
		n.wg.Add(1)
		go n.deliver(ch, payload)
	}
}

// Stop waits for in-flight deliveries to drain. Each send is already bounded
// by SendTimeout, so Stop returns promptly after shutdown begins.
func (n *Notifier) Stop() {
	n.wg.Wait()
}

// Stats reports delivery counters since start.
func (n *Notifier) Stats() (sent, failed, suppressed uint64) {
	return n.sent.Load(), n.failed.Load(), n.suppressed.Load()
}

func (n *Notifier) payload(alert models.Alert, step escalate.Step) models.NotificationPayload {
	p := models.NotificationPayload{
		Title:    alert.Title,
		Body:     alert.Body,
		Severity: alert.Severity,
		StreamID: alert.StreamID,
		AlertID:  alert.ID,
		Level:    step.Level,
		Volume:   step.Volume,
		Sound:    step.Sound,
	}
	if n.opts.DashboardURL != "" {
		p.URL = strings.TrimRight(n.opts.DashboardURL, "/") + "/streams/" + alert.StreamID
	}
	return p
}

func (n *Notifier) publish(alert models.Alert, step escalate.Step) {
	if n.hub == nil {
		return
	}
	n.hub.Publish(events.Event{
		Type:     events.TypeEscalation,
		StreamID: alert.StreamID,
		Data: map[string]any{
			"alert_id": alert.ID,
			"severity": alert.Severity,
			"title":    alert.Title,
			"body":     alert.Body,
			"level":    step.Level,
			"volume":   step.Volume,
			"sound":    step.Sound,
		},
	})
}

func (n *Notifier) preferences(streamID string) *models.StreamPreferences {
	if n.streams == nil {
		return nil
	}
	stream := n.streams.Get(streamID)
	if stream == nil {
		return nil
	}
	return stream.Preferences
}

// deliver resolves the channel's targets and sends to each under the global
// concurrency cap. Runs on its own goroutine per channel per rung.
func (n *Notifier) deliver(ch Channel, payload models.NotificationPayload) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.SendTimeout)
	targets, err := ch.Targets(ctx)
	cancel()
	if err != nil {
		n.failed.Add(1)
		n.logger.WithFields(logging.Fields{
			"channel":  ch.Name(),
			"alert_id": payload.AlertID,
			"error":    err.Error(),
		}).Warn("Failed to resolve notification targets")
		return
	}
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		n.sem <- struct{}{}
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			defer func() { <-n.sem }()
			n.sendOne(ch, payload, target)
		}(target)
	}
	wg.Wait()
}

func (n *Notifier) sendOne(ch Channel, payload models.NotificationPayload, target Target) {
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.SendTimeout)
	defer cancel()

	err := ch.Send(ctx, payload, target)
	switch {
	case err == nil:
		n.sent.Add(1)
	case errors.Is(err, ErrRateLimited):
		n.suppressed.Add(1)
		n.logger.WithFields(logging.Fields{
			"channel":  ch.Name(),
			"target":   target.ID,
			"alert_id": payload.AlertID,
		}).Debug("Notification suppressed by rate limit")
	case errors.Is(err, ErrTargetGone):
		n.suppressed.Add(1)
		n.logger.WithFields(logging.Fields{
			"channel": ch.Name(),
			"target":  target.ID,
		}).Debug("Dropped stale notification target")
	default:
		n.failed.Add(1)
		n.logger.WithFields(logging.Fields{
			"channel":  ch.Name(),
			"target":   target.ID,
			"alert_id": payload.AlertID,
			"error":    err.Error(),
		}).Warn("Notification send failed")
	}
}

func stepNames(step escalate.Step, name models.Channel) bool {
	for _, c := range step.Channels {
		if c == name {
			return true
		}
	}
	return false
}

// channelEnabled consults the per-stream toggles; unset toggles default on.
func channelEnabled(prefs *models.StreamPreferences, name models.Channel) bool {
	if prefs == nil {
		return true
	}
	switch name {
	case models.ChannelBrowser:
		return prefs.NotifyBrowser == nil || *prefs.NotifyBrowser
	case models.ChannelSMS:
		return prefs.NotifySMS == nil || *prefs.NotifySMS
	case models.ChannelChat:
		return prefs.NotifyChat == nil || *prefs.NotifyChat
	}
	return true
}
