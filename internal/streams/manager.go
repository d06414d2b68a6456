// Package streams owns the lifecycle of monitored streams: creation, socket
// binding, in-memory counters with periodic store flush, and the liveness
// sweeper that disconnects silent streams.
package streams

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

// Socket is the manager's handle on a stream's intake connection. The
// WebSocket handler implements it; the manager only ever closes it.
type Socket interface {
	Close() error
}

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	CreateStream(ctx context.Context, stream *models.Stream) error
	GetStream(ctx context.Context, id string) (*models.Stream, error)
	ActiveStreams(ctx context.Context) ([]models.Stream, error)
	UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error
	UpdateStreamPreferences(ctx context.Context, id string, prefs *models.StreamPreferences) error
	EndStream(ctx context.Context, id string, endedAt time.Time) error
	DeleteStream(ctx context.Context, id string) error
	FlushStreamCounters(ctx context.Context, id string, frameCount, alertCount, framesDropped int64, lastPing time.Time) error
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// Snapshots persists hot stream state outside the process so counters survive
// a restart between store flushes. Implementations are best-effort.
type Snapshots interface {
	Save(ctx context.Context, stream *models.Stream)
	Load(ctx context.Context, id string) (*models.Stream, bool)
	Drop(ctx context.Context, id string)
}

type Options struct {
	FlushInterval     time.Duration
	PingTimeout       time.Duration
	InactivityTimeout time.Duration
}

// Manager tracks live streams in memory. Counters are mutated under the
// mutex and flushed to the store on a timer; reads hand out copies.
type Manager struct {
	store     Store
	events    events.Sink
	snapshots Snapshots
	logger    logging.Logger
	opts      Options

	mu         sync.RWMutex
	streams    map[string]*models.Stream
	sockets    map[string]Socket
	dirty      map[string]bool
	lastFrame  map[string]time.Time
	inactivity map[string]bool

	onEnd      func(streamID string)
	onInactive func(stream models.Stream, idle time.Duration)

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(store Store, sink events.Sink, logger logging.Logger, opts Options) *Manager {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 15 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 60 * time.Second
	}
	return &Manager{
		store:      store,
		events:     sink,
		logger:     logger,
		opts:       opts,
		streams:    make(map[string]*models.Stream),
		sockets:    make(map[string]Socket),
		dirty:      make(map[string]bool),
		lastFrame:  make(map[string]time.Time),
		inactivity: make(map[string]bool),
		stop:       make(chan struct{}),
	}
}

// SetSnapshots attaches an optional snapshot backend.
func (m *Manager) SetSnapshots(s Snapshots) {
	m.snapshots = s
}

// SetOnEnd registers the hook invoked after a stream ends. The pipeline uses
// it to cancel in-flight analyses.
func (m *Manager) SetOnEnd(fn func(streamID string)) {
	m.onEnd = fn
}

// SetOnInactive registers the hook invoked when an elderly-scenario stream
// has produced no frames for the inactivity window.
func (m *Manager) SetOnInactive(fn func(stream models.Stream, idle time.Duration)) {
	m.onInactive = fn
}

// Start launches the counter-flush and liveness loops.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts the background loops and flushes outstanding counters.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.flush(context.Background())
	})
}

func (m *Manager) run() {
	flush := time.NewTicker(m.opts.FlushInterval)
	defer flush.Stop()

	sweepEvery := m.opts.PingTimeout / 4
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-flush.C:
			m.flush(context.Background())
		case <-sweep.C:
			m.sweep(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Create registers a new monitored stream. Banned users are rejected before
// anything is persisted.
func (m *Manager) Create(ctx context.Context, name string, scenario models.Scenario, userID *string) (*models.Stream, error) {
	if !scenario.Valid() {
		return nil, fmt.Errorf("scenario %q: %w", scenario, models.ErrInvalidInput)
	}
	if userID != nil {
		banned, err := m.store.IsBanned(ctx, *userID)
		if err != nil {
			return nil, fmt.Errorf("ban check: %w", err)
		}
		if banned {
			return nil, fmt.Errorf("user %s is banned: %w", *userID, models.ErrUnauthorized)
		}
	}

	now := time.Now().UTC()
	stream := &models.Stream{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		Scenario:  scenario,
		Status:    models.StreamActive,
		StartedAt: now,
		LastPing:  now,
	}
	if err := m.store.CreateStream(ctx, stream); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.streams[stream.ID] = stream
	m.lastFrame[stream.ID] = now
	m.mu.Unlock()

	m.snapshot(ctx, stream)
	m.events.Publish(events.Event{
		Type:     events.TypeStreamCreated,
		StreamID: stream.ID,
		Data:     map[string]any{"scenario": string(scenario), "name": name},
	})
	m.logger.WithFields(logging.Fields{
		"stream_id": stream.ID,
		"scenario":  scenario,
	}).Info("Stream created")

	out := *stream
	return &out, nil
}

// Get returns a copy of the stream, or nil when unknown.
func (m *Manager) Get(id string) *models.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stream, ok := m.streams[id]
	if !ok {
		return nil
	}
	out := *stream
	return &out
}

// AttachSocket binds the single intake socket to a stream.
func (m *Manager) AttachSocket(id string, socket Socket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream, ok := m.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	if _, bound := m.sockets[id]; bound {
		return fmt.Errorf("stream %s already has a socket: %w", id, models.ErrConflict)
	}
	m.sockets[id] = socket
	stream.LastPing = time.Now().UTC()
	if stream.Status == models.StreamDisconnected || stream.Status == models.StreamConnecting {
		stream.Status = models.StreamActive
	}
	m.dirty[id] = true
	return nil
}

// DetachSocket releases the stream's socket binding without ending the
// stream. The socket itself is not closed.
func (m *Manager) DetachSocket(id string, socket Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the currently bound socket may detach; a stale handler exiting
	// after a reconnect must not unbind its replacement.
	if current, ok := m.sockets[id]; ok && current == socket {
		delete(m.sockets, id)
	}
}

// UpdatePing records intake liveness.
func (m *Manager) UpdatePing(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stream, ok := m.streams[id]; ok {
		stream.LastPing = time.Now().UTC()
		m.dirty[id] = true
	}
}

// IncFrames counts a received frame and refreshes liveness.
func (m *Manager) IncFrames(id string) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	if stream, ok := m.streams[id]; ok {
		stream.FrameCount++
		stream.LastPing = now
		m.lastFrame[id] = now
		m.inactivity[id] = false
		m.dirty[id] = true
	}
}

// IncAlerts counts an alert raised for the stream.
func (m *Manager) IncAlerts(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stream, ok := m.streams[id]; ok {
		stream.AlertCount++
		m.dirty[id] = true
	}
}

// IncDropped counts a frame dropped from a full queue.
func (m *Manager) IncDropped(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stream, ok := m.streams[id]; ok {
		stream.FramesDropped++
		m.dirty[id] = true
	}
}

// SetPreferences persists per-stream overrides and updates the live copy.
func (m *Manager) SetPreferences(ctx context.Context, id string, prefs *models.StreamPreferences) error {
	if err := m.store.UpdateStreamPreferences(ctx, id, prefs); err != nil {
		return err
	}
	m.mu.Lock()
	if stream, ok := m.streams[id]; ok {
		stream.Preferences = prefs
	}
	m.mu.Unlock()
	return nil
}

// Pause suspends analysis for an active stream.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, models.StreamActive, models.StreamPaused)
}

// Resume reactivates a paused stream.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.transition(ctx, id, models.StreamPaused, models.StreamActive)
}

func (m *Manager) transition(ctx context.Context, id string, from, to models.StreamStatus) error {
	m.mu.Lock()
	stream, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	if stream.Status != from {
		status := stream.Status
		m.mu.Unlock()
		return fmt.Errorf("stream %s is %s: %w", id, status, models.ErrConflict)
	}
	stream.Status = to
	snapshot := *stream
	m.mu.Unlock()

	if err := m.store.UpdateStreamStatus(ctx, id, to); err != nil {
		// Roll the in-memory state back so memory and store agree.
		m.mu.Lock()
		if s, ok := m.streams[id]; ok && s.Status == to {
			s.Status = from
		}
		m.mu.Unlock()
		return err
	}
	m.snapshot(ctx, &snapshot)
	return nil
}

// End closes the stream: socket closed, status disconnected, counters
// flushed, ended_at persisted.
func (m *Manager) End(ctx context.Context, id string) error {
	now := time.Now().UTC()

	m.mu.Lock()
	stream, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	socket := m.sockets[id]
	delete(m.sockets, id)
	stream.Status = models.StreamDisconnected
	stream.EndedAt = &now
	flushCopy := *stream
	delete(m.streams, id)
	delete(m.dirty, id)
	delete(m.lastFrame, id)
	delete(m.inactivity, id)
	m.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}
	if err := m.store.FlushStreamCounters(ctx, id, flushCopy.FrameCount, flushCopy.AlertCount, flushCopy.FramesDropped, flushCopy.LastPing); err != nil {
		m.logger.WithFields(logging.Fields{"stream_id": id, "error": err.Error()}).Warn("Final counter flush failed")
	}
	if err := m.store.EndStream(ctx, id, now); err != nil {
		return err
	}
	if m.snapshots != nil {
		m.snapshots.Drop(ctx, id)
	}
	m.events.Publish(events.Event{
		Type:     events.TypeStreamEnded,
		StreamID: id,
		Data:     map[string]any{"frame_count": flushCopy.FrameCount, "alert_count": flushCopy.AlertCount},
	})
	if m.onEnd != nil {
		m.onEnd(id)
	}
	m.logger.WithFields(logging.Fields{"stream_id": id}).Info("Stream ended")
	return nil
}

// Delete ends a live stream if needed and removes its record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.RLock()
	_, live := m.streams[id]
	m.mu.RUnlock()
	if live {
		if err := m.End(ctx, id); err != nil {
			return err
		}
	}
	return m.store.DeleteStream(ctx, id)
}

// GetByScenario returns copies of live streams in one scenario.
func (m *Manager) GetByScenario(scenario models.Scenario) []models.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Stream
	for _, stream := range m.streams {
		if stream.Scenario == scenario {
			out = append(out, *stream)
		}
	}
	return out
}

// ActiveList returns copies of all streams currently tracked in memory.
func (m *Manager) ActiveList() []models.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Stream, 0, len(m.streams))
	for _, stream := range m.streams {
		out = append(out, *stream)
	}
	return out
}

// Summary reports stream counts by status plus counter totals.
type Summary struct {
	Total         int   `json:"total"`
	Active        int   `json:"active"`
	Paused        int   `json:"paused"`
	Disconnected  int   `json:"disconnected"`
	FrameCount    int64 `json:"frame_count"`
	AlertCount    int64 `json:"alert_count"`
	FramesDropped int64 `json:"frames_dropped"`
}

func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := Summary{Total: len(m.streams)}
	for _, stream := range m.streams {
		switch stream.Status {
		case models.StreamActive:
			summary.Active++
		case models.StreamPaused:
			summary.Paused++
		case models.StreamDisconnected:
			summary.Disconnected++
		}
		summary.FrameCount += stream.FrameCount
		summary.AlertCount += stream.AlertCount
		summary.FramesDropped += stream.FramesDropped
	}
	return summary
}

// Rehydrate loads still-active streams from the store, overlaying any
// fresher counters from the snapshot backend. Sockets start detached.
func (m *Manager) Rehydrate(ctx context.Context) error {
	active, err := m.store.ActiveStreams(ctx)
	if err != nil {
		return fmt.Errorf("load active streams: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range active {
		stream := active[i]
		if m.snapshots != nil {
			if snap, ok := m.snapshots.Load(ctx, stream.ID); ok && snap.LastPing.After(stream.LastPing) {
				stream.FrameCount = snap.FrameCount
				stream.AlertCount = snap.AlertCount
				stream.FramesDropped = snap.FramesDropped
				stream.LastPing = snap.LastPing
			}
		}
		copied := stream
		m.streams[stream.ID] = &copied
		m.lastFrame[stream.ID] = stream.LastPing
	}
	if len(active) > 0 {
		m.logger.WithFields(logging.Fields{"count": len(active)}).Info("Rehydrated active streams")
	}
	return nil
}

// flush writes dirty counters to the store and refreshes snapshots.
func (m *Manager) flush(ctx context.Context) {
	m.mu.Lock()
	pending := make([]models.Stream, 0, len(m.dirty))
	for id := range m.dirty {
		if stream, ok := m.streams[id]; ok {
			pending = append(pending, *stream)
		}
		delete(m.dirty, id)
	}
	m.mu.Unlock()

	for i := range pending {
		stream := pending[i]
		if err := m.store.FlushStreamCounters(ctx, stream.ID, stream.FrameCount, stream.AlertCount, stream.FramesDropped, stream.LastPing); err != nil {
			m.logger.WithFields(logging.Fields{
				"stream_id": stream.ID,
				"error":     err.Error(),
			}).Warn("Counter flush failed")
			m.mu.Lock()
			m.dirty[stream.ID] = true
			m.mu.Unlock()
			continue
		}
		m.snapshot(ctx, &stream)
	}
}

// sweep enforces liveness and inactivity windows.
func (m *Manager) sweep(ctx context.Context) {
	now := time.Now().UTC()

	type inactiveHit struct {
		stream models.Stream
		idle   time.Duration
	}
	var silent []string
	var inactive []inactiveHit

	m.mu.Lock()
	for id, stream := range m.streams {
		if stream.Status == models.StreamActive && now.Sub(stream.LastPing) > m.opts.PingTimeout {
			silent = append(silent, id)
			continue
		}
		if m.opts.InactivityTimeout <= 0 || stream.Scenario != models.ScenarioElderly {
			continue
		}
		if stream.Status != models.StreamActive || m.inactivity[id] {
			continue
		}
		if idle := now.Sub(m.lastFrame[id]); idle > m.opts.InactivityTimeout {
			m.inactivity[id] = true
			inactive = append(inactive, inactiveHit{stream: *stream, idle: idle})
		}
	}
	m.mu.Unlock()

	for _, id := range silent {
		m.markDisconnected(ctx, id)
	}
	if m.onInactive != nil {
		for _, hit := range inactive {
			m.onInactive(hit.stream, hit.idle)
		}
	}
}

func (m *Manager) markDisconnected(ctx context.Context, id string) {
	m.mu.Lock()
	stream, ok := m.streams[id]
	if !ok || stream.Status != models.StreamActive {
		m.mu.Unlock()
		return
	}
	stream.Status = models.StreamDisconnected
	socket := m.sockets[id]
	delete(m.sockets, id)
	m.dirty[id] = true
	m.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}
	if err := m.store.UpdateStreamStatus(ctx, id, models.StreamDisconnected); err != nil {
		m.logger.WithFields(logging.Fields{"stream_id": id, "error": err.Error()}).Warn("Disconnect persist failed")
	}
	m.logger.WithFields(logging.Fields{"stream_id": id}).Warn("Stream silent past ping timeout, disconnected")
}

func (m *Manager) snapshot(ctx context.Context, stream *models.Stream) {
	if m.snapshots != nil {
		m.snapshots.Save(ctx, stream)
	}
}
