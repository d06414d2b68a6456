// Package escalate advances unacknowledged alerts up a fixed ladder of
// levels, each with its own volume, sound, and notification channel set.
package escalate

import (
	"context"
	"sync"
	"time"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

// Step is one rung of the escalation ladder. After is the cumulative delay
// from level 0; an alert that starts above level 0 fires its starting rung
// immediately and reaches later rungs after the remaining delta.
type Step struct {
	Level    int
	After    time.Duration
	Volume   int
	Sound    models.SoundKind
	Channels []models.Channel
}

func defaultLadder() []Step {
	return []Step{
		{Level: 0, After: 0, Volume: 0, Sound: models.SoundNone},
		{Level: 1, After: 15 * time.Second, Volume: 10, Sound: models.SoundChime,
			Channels: []models.Channel{models.ChannelBrowser}},
		{Level: 2, After: 45 * time.Second, Volume: 25, Sound: models.SoundAlert,
			Channels: []models.Channel{models.ChannelBrowser}},
		{Level: 3, After: 105 * time.Second, Volume: 50, Sound: models.SoundAlarm,
			Channels: []models.Channel{models.ChannelBrowser, models.ChannelChat}},
		{Level: 4, After: 225 * time.Second, Volume: 100, Sound: models.SoundCritical,
			Channels: []models.Channel{models.ChannelBrowser, models.ChannelSMS, models.ChannelChat}},
	}
}

// StartLevel maps alert severity onto the ladder rung the alert begins at.
func StartLevel(severity models.AlertSeverity) int {
	switch severity {
	case models.SeverityWarning:
		return 2
	case models.SeverityUrgent:
		return 3
	case models.SeverityCritical:
		return 4
	default:
		return 1
	}
}

// Sink receives each escalation step exactly once per alert lifecycle.
// Implementations must not block; the notifier fans out asynchronously.
type Sink interface {
	Escalate(alert models.Alert, step Step)
}

// Store persists level advances.
type Store interface {
	SetAlertLevel(ctx context.Context, id string, level int) error
}

type alertState struct {
	mu        sync.Mutex
	alert     models.Alert
	startedAt time.Time
	level     int
	cancel    context.CancelFunc
}

// Engine runs one goroutine per active alert. Levels are non-decreasing and
// each step fires at an absolute boundary computed from the alert's start.
type Engine struct {
	sink   Sink
	store  Store
	logger logging.Logger
	ladder []Step

	mu     sync.RWMutex
	alerts map[string]*alertState
}

func NewEngine(sink Sink, store Store, logger logging.Logger) *Engine {
	return &Engine{
		sink:   sink,
		store:  store,
		logger: logger,
		ladder: defaultLadder(),
		alerts: make(map[string]*alertState),
	}
}

// Start registers an alert and fires its starting rung synchronously, then
// schedules the remaining rungs. Starting an already-tracked alert is a
// no-op.
func (e *Engine) Start(alert models.Alert) {
	start := StartLevel(alert.Severity)

	ctx, cancel := context.WithCancel(context.Background())
	state := &alertState{
		alert:     alert,
		startedAt: time.Now(),
		level:     start,
		cancel:    cancel,
	}

	e.mu.Lock()
	if _, exists := e.alerts[alert.ID]; exists {
		e.mu.Unlock()
		cancel()
		return
	}
	e.alerts[alert.ID] = state
	e.mu.Unlock()

	e.fire(ctx, state, start)

	if start < len(e.ladder)-1 {
		go e.run(ctx, state, start)
	}
}

func (e *Engine) run(ctx context.Context, state *alertState, start int) {
	base := e.ladder[start].After
	for next := start + 1; next < len(e.ladder); next++ {
		boundary := state.startedAt.Add(e.ladder[next].After - base)
		timer := time.NewTimer(time.Until(boundary))
		select {
		case <-timer.C:
			e.fire(ctx, state, next)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (e *Engine) fire(ctx context.Context, state *alertState, level int) {
	if ctx.Err() != nil {
		return
	}

	state.mu.Lock()
	state.level = level
	state.alert.EscalationLevel = level
	alert := state.alert
	state.mu.Unlock()

	if e.store != nil {
		if err := e.store.SetAlertLevel(ctx, alert.ID, level); err != nil {
			e.logger.WithFields(logging.Fields{
				"alert_id": alert.ID,
				"level":    level,
				"error":    err.Error(),
			}).Warn("Alert level persist failed")
		}
	}

	e.logger.WithFields(logging.Fields{
		"alert_id": alert.ID,
		"level":    level,
		"sound":    e.ladder[level].Sound,
	}).Info("Alert escalated")
	e.sink.Escalate(alert, e.ladder[level])
}

// Acknowledge stops escalation for an alert. Repeat calls are harmless and
// return false once the alert is no longer tracked.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	state, ok := e.alerts[alertID]
	if ok {
		delete(e.alerts, alertID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	state.cancel()
	e.logger.WithFields(logging.Fields{"alert_id": alertID}).Info("Alert acknowledged")
	return true
}

// Level returns the alert's current rung.
func (e *Engine) Level(alertID string) (int, bool) {
	e.mu.RLock()
	state, ok := e.alerts[alertID]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.level, true
}

// Volume returns the alert's current volume, linearly interpolated between
// the current rung and the next over the elapsed fraction of the gap.
func (e *Engine) Volume(alertID string) (int, bool) {
	e.mu.RLock()
	state, ok := e.alerts[alertID]
	e.mu.RUnlock()
	if !ok {
		return 0, false
	}

	state.mu.Lock()
	level := state.level
	startedAt := state.startedAt
	start := StartLevel(state.alert.Severity)
	state.mu.Unlock()

	if level >= len(e.ladder)-1 {
		return e.ladder[len(e.ladder)-1].Volume, true
	}

	base := e.ladder[start].After
	levelAt := startedAt.Add(e.ladder[level].After - base)
	nextAt := startedAt.Add(e.ladder[level+1].After - base)
	gap := nextAt.Sub(levelAt)
	if gap <= 0 {
		return e.ladder[level].Volume, true
	}

	frac := float64(time.Since(levelAt)) / float64(gap)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	low := float64(e.ladder[level].Volume)
	high := float64(e.ladder[level+1].Volume)
	return int(low + frac*(high-low)), true
}

// Sound returns the sound for the alert's current rung.
func (e *Engine) Sound(alertID string) (models.SoundKind, bool) {
	level, ok := e.Level(alertID)
	if !ok {
		return models.SoundNone, false
	}
	return e.ladder[level].Sound, true
}

// Active returns copies of all tracked alerts at their current levels.
func (e *Engine) Active() []models.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Alert, 0, len(e.alerts))
	for _, state := range e.alerts {
		state.mu.Lock()
		out = append(out, state.alert)
		state.mu.Unlock()
	}
	return out
}

// ClearAll cancels every tracked alert without firing further steps.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	states := make([]*alertState, 0, len(e.alerts))
	for id, state := range e.alerts {
		states = append(states, state)
		delete(e.alerts, id)
	}
	e.mu.Unlock()
	for _, state := range states {
		state.cancel()
	}
}

// Stop shuts the engine down.
func (e *Engine) Stop() {
	e.ClearAll()
}
