package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jddunn/safeos/internal/escalate"
	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

type fakeChannel struct {
	name        models.Channel
	unavailable bool
	targets     []Target
	targetsErr  error
	sendErr     map[string]error // target ID -> error

	mu           sync.Mutex
	targetsCalls int
	sent         []models.NotificationPayload
	sentTo       []string
}

func (f *fakeChannel) Name() models.Channel { return f.name }
func (f *fakeChannel) Available() bool      { return !f.unavailable }

func (f *fakeChannel) Targets(ctx context.Context) ([]Target, error) {
	f.mu.Lock()
	f.targetsCalls++
	f.mu.Unlock()
	return f.targets, f.targetsErr
}

func (f *fakeChannel) Send(ctx context.Context, payload models.NotificationPayload, target Target) error {
	if err, ok := f.sendErr[target.ID]; ok {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.sentTo = append(f.sentTo, target.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentTo)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Publish(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *captureSink) byType(t string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeDirectory struct {
	streams map[string]*models.Stream
}

func (d *fakeDirectory) Get(id string) *models.Stream { return d.streams[id] }

func boolPtr(b bool) *bool { return &b }

func testAlert(severity models.AlertSeverity) models.Alert {
	return models.Alert{
		ID:        "alert-1",
		StreamID:  "stream-1",
		Type:      models.AlertAnalysis,
		Severity:  severity,
		Title:     "Baby crying detected",
		Body:      "Sustained crying for 30 seconds",
		CreatedAt: time.Now(),
	}
}

func stepAt(level int, channels ...models.Channel) escalate.Step {
	return escalate.Step{Level: level, Volume: 50, Sound: models.SoundAlarm, Channels: channels}
}

func TestEscalateFansOutToNamedChannels(t *testing.T) {
	browser := &fakeChannel{name: models.ChannelBrowser, targets: []Target{{ID: "b1"}, {ID: "b2"}}}
	sms := &fakeChannel{name: models.ChannelSMS, targets: []Target{{ID: "s1"}}}
	chat := &fakeChannel{name: models.ChannelChat, targets: []Target{{ID: "c1"}}}

	n := NewNotifier(Options{}, nil, nil, logging.NewTestLogger())
	n.Register(browser)
	n.Register(sms)
	n.Register(chat)

	n.Escalate(testAlert(models.SeverityUrgent), stepAt(3, models.ChannelBrowser, models.ChannelChat))
	n.Stop()

	if got := browser.sendCount(); got != 2 {
		t.Fatalf("browser sends = %d, want 2", got)
	}
	if got := chat.sendCount(); got != 1 {
		t.Fatalf("chat sends = %d, want 1", got)
	}
	if got := sms.sendCount(); got != 0 {
		t.Fatalf("sms sends = %d, want 0 for a rung that does not name sms", got)
	}
	sent, failed, _ := n.Stats()
	if sent != 3 || failed != 0 {
		t.Fatalf("stats sent=%d failed=%d, want 3/0", sent, failed)
	}
}

func TestEscalatePublishesEveryRung(t *testing.T) {
	hub := &captureSink{}
	n := NewNotifier(Options{}, nil, hub, logging.NewTestLogger())

	n.Escalate(testAlert(models.SeverityInfo), stepAt(1))
	n.Escalate(testAlert(models.SeverityInfo), stepAt(2))
	n.Stop()

	got := hub.byType(events.TypeEscalation)
	if len(got) != 2 {
		t.Fatalf("escalation events = %d, want 2", len(got))
	}
	if got[0].StreamID != "stream-1" {
		t.Fatalf("event stream = %q, want stream-1", got[0].StreamID)
	}
	if lvl, ok := got[1].Data["level"].(int); !ok || lvl != 2 {
		t.Fatalf("second event level = %v, want 2", got[1].Data["level"])
	}
}

func TestPreferenceTogglesVetoChannel(t *testing.T) {
	sms := &fakeChannel{name: models.ChannelSMS, targets: []Target{{ID: "s1"}}}
	chat := &fakeChannel{name: models.ChannelChat, targets: []Target{{ID: "c1"}}}
	dir := &fakeDirectory{streams: map[string]*models.Stream{
		"stream-1": {ID: "stream-1", Preferences: &models.StreamPreferences{NotifySMS: boolPtr(false)}},
	}}

	n := NewNotifier(Options{}, dir, nil, logging.NewTestLogger())
	n.Register(sms)
	n.Register(chat)

	n.Escalate(testAlert(models.SeverityCritical), stepAt(4, models.ChannelSMS, models.ChannelChat))
	n.Stop()

	if got := sms.sendCount(); got != 0 {
		t.Fatalf("sms sends = %d, want 0 when the stream disables sms", got)
	}
	if got := chat.sendCount(); got != 1 {
		t.Fatalf("chat sends = %d, want 1", got)
	}
	if _, _, suppressed := n.Stats(); suppressed != 1 {
		t.Fatalf("suppressed = %d, want 1", suppressed)
	}
}

func TestPayloadCarriesStepAffordances(t *testing.T) {
	browser := &fakeChannel{name: models.ChannelBrowser, targets: []Target{{ID: "b1"}}}
	n := NewNotifier(Options{DashboardURL: "https://app.safeos.dev/"}, nil, nil, logging.NewTestLogger())
	n.Register(browser)

	step := escalate.Step{Level: 4, Volume: 100, Sound: models.SoundCritical,
		Channels: []models.Channel{models.ChannelBrowser}}
	n.Escalate(testAlert(models.SeverityCritical), step)
	n.Stop()

	browser.mu.Lock()
	defer browser.mu.Unlock()
	if len(browser.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(browser.sent))
	}
	p := browser.sent[0]
	if p.Level != 4 || p.Volume != 100 || p.Sound != models.SoundCritical {
		t.Fatalf("payload step fields = %d/%d/%s", p.Level, p.Volume, p.Sound)
	}
	if p.Severity != models.SeverityCritical || p.AlertID != "alert-1" {
		t.Fatalf("payload alert fields = %s/%s", p.Severity, p.AlertID)
	}
	if p.URL != "https://app.safeos.dev/streams/stream-1" {
		t.Fatalf("payload url = %q", p.URL)
	}
}

func TestChannelFailuresAreIsolated(t *testing.T) {
	broken := &fakeChannel{name: models.ChannelChat, targetsErr: errors.New("db down")}
	browser := &fakeChannel{name: models.ChannelBrowser, targets: []Target{{ID: "b1"}}}

	n := NewNotifier(Options{}, nil, nil, logging.NewTestLogger())
	n.Register(broken)
	n.Register(browser)

	n.Escalate(testAlert(models.SeverityUrgent), stepAt(3, models.ChannelBrowser, models.ChannelChat))
	n.Stop()

	if got := browser.sendCount(); got != 1 {
		t.Fatalf("browser sends = %d, want 1 despite the chat channel failing", got)
	}
	if _, failed, _ := n.Stats(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}

func TestPerTargetFailuresDoNotStopOthers(t *testing.T) {
	browser := &fakeChannel{
		name:    models.ChannelBrowser,
		targets: []Target{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}},
		sendErr: map[string]error{"b2": errors.New("push service 500")},
	}

	n := NewNotifier(Options{}, nil, nil, logging.NewTestLogger())
	n.Register(browser)

	n.Escalate(testAlert(models.SeverityWarning), stepAt(2, models.ChannelBrowser))
	n.Stop()

	if got := browser.sendCount(); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}
	sent, failed, _ := n.Stats()
	if sent != 2 || failed != 1 {
		t.Fatalf("stats sent=%d failed=%d, want 2/1", sent, failed)
	}
}

func TestRateLimitedSendsCountAsSuppressed(t *testing.T) {
	sms := &fakeChannel{
		name:    models.ChannelSMS,
		targets: []Target{{ID: "s1"}},
		sendErr: map[string]error{"s1": ErrRateLimited},
	}

	n := NewNotifier(Options{}, nil, nil, logging.NewTestLogger())
	n.Register(sms)

	n.Escalate(testAlert(models.SeverityCritical), stepAt(4, models.ChannelSMS))
	n.Stop()

	sent, failed, suppressed := n.Stats()
	if sent != 0 || failed != 0 || suppressed != 1 {
		t.Fatalf("stats = %d/%d/%d, want 0/0/1", sent, failed, suppressed)
	}
}

func TestUnavailableChannelSkipped(t *testing.T) {
	sms := &fakeChannel{name: models.ChannelSMS, unavailable: true, targets: []Target{{ID: "s1"}}}

	n := NewNotifier(Options{}, nil, nil, logging.NewTestLogger())
	n.Register(sms)

	n.Escalate(testAlert(models.SeverityCritical), stepAt(4, models.ChannelSMS))
	n.Stop()

	sms.mu.Lock()
	defer sms.mu.Unlock()
	if sms.targetsCalls != 0 {
		t.Fatalf("targets calls = %d, want 0 for an unavailable channel", sms.targetsCalls)
	}
}
