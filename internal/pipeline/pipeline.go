// Package pipeline routes camera frames through the two-tier vision ladder:
// fast local triage, detailed local analysis, and a cloud fallback chain for
// frames the local tier cannot serve or needs verified. Each stream gets a
// bounded frame queue; a round-robin dispatcher keeps one frame per stream
// in flight under a global concurrency cap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/escalate"
	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/internal/profiles"
	"github.com/jddunn/safeos/pkg/logging"
	"github.com/jddunn/safeos/pkg/vision"
)

const (
	triageMaxTokens = 16
	detailMaxTokens = 512

	healthProbeTimeout = 3 * time.Second
)

// Store persists alerts and content flags.
type Store interface {
	CreateAlertWithFlag(ctx context.Context, alert *models.Alert, flag *models.ContentFlag) error
	CreateFlag(ctx context.Context, flag *models.ContentFlag) error
}

// StreamControl is the slice of the stream manager the pipeline needs.
type StreamControl interface {
	Get(id string) *models.Stream
	IncAlerts(id string)
	IncDropped(id string)
}

// ProfileSource supplies the prompts and thresholds for a scenario.
type ProfileSource interface {
	Lookup(ctx context.Context, scenario models.Scenario) *models.Profile
}

// Escalator receives every alert the pipeline creates.
type Escalator interface {
	Start(alert models.Alert)
}

// Options tunes the pipeline.
type Options struct {
	TriageModel   string
	AnalysisModel string

	// LocalTimeout bounds one local inference call; exceeding it routes the
	// frame to the cloud chain.
	LocalTimeout time.Duration
	// VerifyThreshold routes high/critical triage results below this
	// confidence to the cloud for verification.
	VerifyThreshold float64
	// MaxConcurrent caps frames in flight globally. Defaults to CPU count.
	MaxConcurrent int
	// QueueSize bounds each stream's frame queue.
	QueueSize int
	// HealthInterval is how long one local health probe result is trusted.
	HealthInterval time.Duration
	// Moderation maps content categories onto review tiers.
	Moderation map[string]int
}

func (o *Options) fillDefaults() {
	if o.LocalTimeout <= 0 {
		o.LocalTimeout = 2 * time.Minute
	}
	if o.VerifyThreshold <= 0 {
		o.VerifyThreshold = 0.7
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = runtime.NumCPU()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 8
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Second
	}
}

// Stats is a snapshot of pipeline throughput counters.
type Stats struct {
	Analyzed        uint64  `json:"analyzed"`
	CloudFallbacks  uint64  `json:"cloud_fallbacks"`
	FallbackRate    float64 `json:"fallback_rate"`
	AvgProcessingMs int64   `json:"avg_processing_ms"`
	QueuedFrames    int     `json:"queued_frames"`
}

type queueState struct {
	queue  *frameQueue
	busy   bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Pipeline owns the per-stream queues and the dispatcher.
type Pipeline struct {
	opts     Options
	local    vision.Provider
	cloud    *vision.Chain
	profiles ProfileSource
	streams  StreamControl
	engine   Escalator
	store    Store
	hub      events.Sink
	logger   logging.Logger

	health healthGate

	mu      sync.Mutex
	queues  map[string]*queueState
	order   []string
	next    int
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	sem      chan struct{}

	analyzed  atomic.Uint64
	fallbacks atomic.Uint64
	totalMs   atomic.Int64
}

// NewPipeline wires the pipeline. cloud may be nil or empty when no fallback
// providers are configured; store and engine may be nil in tests.
func NewPipeline(opts Options, local vision.Provider, cloud *vision.Chain,
	profileSource ProfileSource, streams StreamControl, engine Escalator,
	store Store, hub events.Sink, logger logging.Logger) *Pipeline {
	opts.fillDefaults()
	return &Pipeline{
		opts:     opts,
		local:    local,
		cloud:    cloud,
		profiles: profileSource,
		streams:  streams,
		engine:   engine,
		store:    store,
		hub:      hub,
		logger:   logger,
		health:   healthGate{interval: opts.HealthInterval},
		queues:   map[string]*queueState{},
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Start launches the dispatcher.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop cancels in-flight analyses and waits for workers to drain.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.mu.Lock()
		p.stopped = true
		for _, qs := range p.queues {
			qs.cancel()
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Enqueue queues a frame for analysis. Never blocks: a full queue drops its
// oldest frame and the stream's dropped counter is bumped.
func (p *Pipeline) Enqueue(streamID string, frame models.Frame) {
	qs := p.queueFor(streamID)
	if qs == nil {
		return
	}
	if qs.queue.push(frame) {
		p.streams.IncDropped(streamID)
		p.logger.WithFields(logging.Fields{
			"stream_id": streamID,
			"frame_id":  frame.ID,
		}).Debug("Frame queue full, dropped oldest frame")
	}
	p.signal()
}

// Remove tears down a stream's queue and cancels its in-flight analysis.
// Wired to the stream manager's end hook.
func (p *Pipeline) Remove(streamID string) {
	p.mu.Lock()
	qs, ok := p.queues[streamID]
	if ok {
		delete(p.queues, streamID)
		for i, id := range p.order {
			if id == streamID {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	if ok {
		qs.cancel()
	}
}

// QueueDepth reports how many frames a stream has waiting.
func (p *Pipeline) QueueDepth(streamID string) int {
	p.mu.Lock()
	qs := p.queues[streamID]
	p.mu.Unlock()
	if qs == nil {
		return 0
	}
	return qs.queue.len()
}

// Stats snapshots the throughput counters.
func (p *Pipeline) Stats() Stats {
	analyzed := p.analyzed.Load()
	fallbacks := p.fallbacks.Load()
	stats := Stats{Analyzed: analyzed, CloudFallbacks: fallbacks}
	if analyzed > 0 {
		stats.FallbackRate = float64(fallbacks) / float64(analyzed)
		stats.AvgProcessingMs = p.totalMs.Load() / int64(analyzed)
	}
	p.mu.Lock()
	for _, qs := range p.queues {
		stats.QueuedFrames += qs.queue.len()
	}
	p.mu.Unlock()
	return stats
}

func (p *Pipeline) queueFor(id string) *queueState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	qs, ok := p.queues[id]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		qs = &queueState{queue: newFrameQueue(p.opts.QueueSize), ctx: ctx, cancel: cancel}
		p.queues[id] = qs
		p.order = append(p.order, id)
	}
	return qs
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		p.dispatch()
	}
}

// dispatch drains ready frames, round-robin across streams, one in flight
// per stream. Blocks on the global semaphore when at capacity.
func (p *Pipeline) dispatch() {
	for {
		id, qs, frame, ok := p.nextFrame()
		if !ok {
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-p.stop:
			p.finish(id)
			return
		}
		p.wg.Add(1)
		go func(id string, ctx context.Context, frame models.Frame) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			defer p.finish(id)
			p.process(ctx, id, frame)
		}(id, qs.ctx, frame)
	}
}

func (p *Pipeline) nextFrame() (string, *queueState, models.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		id := p.order[idx]
		qs := p.queues[id]
		if qs == nil || qs.busy {
			continue
		}
		frame, ok := qs.queue.pop()
		if !ok {
			continue
		}
		qs.busy = true
		p.next = (idx + 1) % n
		return id, qs, frame, true
	}
	return "", nil, models.Frame{}, false
}

func (p *Pipeline) finish(id string) {
	p.mu.Lock()
	if qs, ok := p.queues[id]; ok {
		qs.busy = false
	}
	p.mu.Unlock()
	p.signal()
}

type outcome struct {
	result      *models.AnalysisResult
	unavailable bool
}

func (p *Pipeline) process(ctx context.Context, streamID string, frame models.Frame) {
	stream := p.streams.Get(streamID)
	if stream == nil {
		return
	}
	start := time.Now()
	profile := p.profiles.Lookup(ctx, stream.Scenario)
	motionTh, audioTh := profiles.EffectiveThresholds(profile, stream.Preferences)
	triggered := frame.MotionScore >= motionTh || frame.AudioLevel >= audioTh

	out := p.analyze(ctx, profile, frame, triggered)
	if ctx.Err() != nil {
		return
	}
	if out.unavailable {
		p.analysisUnavailable(ctx, stream, triggered)
		return
	}
	if out.result == nil {
		return
	}

	result := out.result
	result.ID = uuid.NewString()
	result.StreamID = streamID
	result.FrameID = frame.ID
	result.ProcessingMs = time.Since(start).Milliseconds()

	p.analyzed.Add(1)
	p.totalMs.Add(result.ProcessingMs)
	if result.UsedCloudFallback {
		p.fallbacks.Add(1)
	}

	p.hub.Publish(events.Event{
		Type:     events.TypeFrameAnalyzed,
		StreamID: streamID,
		Data:     map[string]any{"result": *result},
	})

	flag := p.moderationFlag(streamID, frame, result)
	switch {
	case result.Concern.AtLeast(models.ConcernLow):
		p.emitAlert(ctx, stream, result, flag)
	case flag != nil:
		p.emitFlag(ctx, flag)
	}
}

// analyze walks the ladder: triage, filter, detailed, cloud. Fallback to the
// cloud chain happens when the local server is unhealthy, a local call fails
// or times out, or an uncertain high/critical triage needs verification.
func (p *Pipeline) analyze(ctx context.Context, profile *models.Profile, frame models.Frame, triggered bool) outcome {
	localOK := p.health.check(ctx, p.local) == nil

	var (
		triage     models.ConcernLevel
		triageConf float64
		triaged    bool
	)
	if localOK {
		resp, err := p.triageCall(ctx, profile, frame)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}
			}
			localOK = false
			p.logger.WithFields(logging.Fields{
				"stream_id": frame.StreamID,
				"error":     err.Error(),
			}).Warn("Local triage failed, deferring to cloud")
		} else {
			triage, triageConf = ParseTriage(resp.Text)
			triaged = true
			if triage == models.ConcernNone && !triggered {
				return outcome{result: &models.AnalysisResult{
					Concern:      models.ConcernNone,
					Confidence:   triageConf,
					Description:  "no concern detected at triage",
					ModelName:    resp.Model,
					TriageResult: models.ConcernNone,
				}}
			}
		}
	}

	// An uncertain high or critical triage is verified by the cloud chain
	// rather than the same local model that produced it.
	needVerify := triaged && triage.AtLeast(models.ConcernHigh) && triageConf < p.opts.VerifyThreshold

	if localOK && !needVerify {
		resp, err := p.localCall(ctx, profile.DetailedPrompt, p.opts.AnalysisModel, frame, detailMaxTokens)
		if err == nil {
			d := ParseDetailed(resp.Text)
			return outcome{result: resultFrom(d, resp.Model, false, triage)}
		}
		if ctx.Err() != nil {
			return outcome{}
		}
		p.logger.WithFields(logging.Fields{
			"stream_id": frame.StreamID,
			"error":     err.Error(),
		}).Warn("Local analysis failed, trying cloud fallback")
	}

	return p.cloudAnalyze(ctx, profile, frame, triage)
}

// triageCall invokes local triage, retrying once on transport failure. A
// timeout is not retried: exceeding the local budget already mandates cloud
// fallback.
func (p *Pipeline) triageCall(ctx context.Context, profile *models.Profile, frame models.Frame) (*vision.AnalysisResponse, error) {
	resp, err := p.localCall(ctx, profile.TriagePrompt, p.opts.TriageModel, frame, triageMaxTokens)
	if err == nil || ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return resp, err
	}
	return p.localCall(ctx, profile.TriagePrompt, p.opts.TriageModel, frame, triageMaxTokens)
}

func (p *Pipeline) localCall(ctx context.Context, prompt, model string, frame models.Frame, maxTokens int) (*vision.AnalysisResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.LocalTimeout)
	defer cancel()
	return p.local.Analyze(cctx, vision.AnalysisRequest{
		Prompt:    prompt,
		Model:     model,
		Image:     frame.Payload,
		MaxTokens: maxTokens,
	})
}

func (p *Pipeline) cloudAnalyze(ctx context.Context, profile *models.Profile, frame models.Frame, triage models.ConcernLevel) outcome {
	if p.cloud == nil || p.cloud.Empty() {
		return outcome{unavailable: true}
	}

	resp, err := p.cloud.Analyze(ctx, vision.AnalysisRequest{
		Prompt:    profile.DetailedPrompt,
		Image:     frame.Payload,
		MaxTokens: detailMaxTokens,
	}, func(r *vision.AnalysisResponse) bool {
		_, ok := extractJSON(r.Text)
		return ok
	})
	switch {
	case err == nil:
		d := ParseDetailed(resp.Text)
		return outcome{result: resultFrom(d, resp.Model, true, triage)}
	case errors.Is(err, vision.ErrNoUsableResponse):
		// A provider answered but nothing parsed as JSON.
		return outcome{result: &models.AnalysisResult{
			Concern:           models.ConcernLow,
			Confidence:        0.3,
			Description:       "parse error",
			ModelName:         resp.Model,
			UsedCloudFallback: true,
			TriageResult:      triage,
		}}
	default:
		p.logger.WithFields(logging.Fields{
			"stream_id": frame.StreamID,
			"error":     err.Error(),
		}).Warn("All cloud providers failed")
		return outcome{unavailable: true}
	}
}

func resultFrom(d Detailed, model string, usedCloud bool, triage models.ConcernLevel) *models.AnalysisResult {
	return &models.AnalysisResult{
		Concern:           d.Concern,
		Confidence:        d.Confidence,
		Description:       d.Description,
		DetectedIssues:    d.DetectedIssues,
		RecommendedAction: d.RecommendedAction,
		ModelName:         model,
		UsedCloudFallback: usedCloud,
		TriageResult:      triage,
	}
}

// analysisUnavailable handles the every-provider-failed case: locally
// triggered frames still produce a warning alert so the operator learns the
// backend is down; quiet frames are dropped silently.
func (p *Pipeline) analysisUnavailable(ctx context.Context, stream *models.Stream, triggered bool) {
	if !triggered {
		p.logger.WithFields(logging.Fields{
			"stream_id": stream.ID,
		}).Debug("Analysis unavailable for quiet frame, dropping")
		return
	}
	alert := models.Alert{
		ID:              uuid.NewString(),
		StreamID:        stream.ID,
		Type:            models.AlertAnalysis,
		Severity:        models.SeverityWarning,
		Title:           "Analysis unavailable",
		Body:            fmt.Sprintf("Motion or audio triggered on %q but no analysis backend responded", stream.Name),
		CreatedAt:       time.Now().UTC(),
		EscalationLevel: escalate.StartLevel(models.SeverityWarning),
	}
	p.persistAndStart(ctx, stream.ID, alert, nil)
}

func (p *Pipeline) emitAlert(ctx context.Context, stream *models.Stream, result *models.AnalysisResult, flag *models.ContentFlag) {
	severity := result.Concern.Severity()
	alert := models.Alert{
		ID:              uuid.NewString(),
		StreamID:        stream.ID,
		Type:            models.AlertAnalysis,
		Severity:        severity,
		Title:           alertTitle(stream.Scenario, result.Concern),
		Body:            result.Description,
		CreatedAt:       time.Now().UTC(),
		EscalationLevel: escalate.StartLevel(severity),
	}
	p.persistAndStart(ctx, stream.ID, alert, flag)
}

func (p *Pipeline) persistAndStart(ctx context.Context, streamID string, alert models.Alert, flag *models.ContentFlag) {
	if p.store != nil {
		if err := p.store.CreateAlertWithFlag(ctx, &alert, flag); err != nil {
			p.logger.WithFields(logging.Fields{
				"stream_id": streamID,
				"alert_id":  alert.ID,
				"error":     err.Error(),
			}).Warn("Failed to persist alert")
		}
	}
	p.streams.IncAlerts(streamID)
	if p.engine != nil {
		p.engine.Start(alert)
	}
	p.hub.Publish(events.Event{
		Type:     events.TypeAlertCreated,
		StreamID: streamID,
		Data:     map[string]any{"alert": alert},
	})
	if flag != nil {
		p.publishFlag(flag)
	}
}

func (p *Pipeline) emitFlag(ctx context.Context, flag *models.ContentFlag) {
	if p.store != nil {
		if err := p.store.CreateFlag(ctx, flag); err != nil {
			p.logger.WithFields(logging.Fields{
				"stream_id": flag.StreamID,
				"flag_id":   flag.ID,
				"error":     err.Error(),
			}).Warn("Failed to persist content flag")
			return
		}
	}
	p.publishFlag(flag)
}

func (p *Pipeline) publishFlag(flag *models.ContentFlag) {
	p.hub.Publish(events.Event{
		Type:     events.TypeFlagCreated,
		StreamID: flag.StreamID,
		Data:     map[string]any{"flag": *flag},
	})
}

// moderationFlag intersects the detected issues with the configured category
// tiers. The flag's tier is the worst matching category's tier.
func (p *Pipeline) moderationFlag(streamID string, frame models.Frame, result *models.AnalysisResult) *models.ContentFlag {
	if len(p.opts.Moderation) == 0 || len(result.DetectedIssues) == 0 {
		return nil
	}
	matched := map[string]bool{}
	tier := 0
	for _, issue := range result.DetectedIssues {
		tokens := wordSet(issue)
		for category, t := range p.opts.Moderation {
			if !tokens[category] {
				continue
			}
			matched[category] = true
			if t > tier {
				tier = t
			}
		}
	}
	if tier == 0 {
		return nil
	}
	categories := make([]string, 0, len(matched))
	for category := range matched {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	frameID := frame.ID
	return &models.ContentFlag{
		ID:         uuid.NewString(),
		StreamID:   streamID,
		FrameID:    &frameID,
		Tier:       tier,
		Categories: categories,
		Status:     models.FlagPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func alertTitle(scenario models.Scenario, concern models.ConcernLevel) string {
	var label string
	switch scenario {
	case models.ScenarioPet:
		label = "Pet monitor"
	case models.ScenarioBaby:
		label = "Baby monitor"
	case models.ScenarioElderly:
		label = "Elderly monitor"
	default:
		label = "Monitor"
	}
	return fmt.Sprintf("%s: %s concern", label, concern)
}

// healthGate caches the local provider's health so every frame does not cost
// a probe. Concurrent callers during a probe wait and reuse its result.
type healthGate struct {
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	err  error
}

func (g *healthGate) check(ctx context.Context, provider vision.Provider) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.last.IsZero() && time.Since(g.last) < g.interval {
		return g.err
	}
	hctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	g.err = provider.Healthy(hctx)
	cancel()
	g.last = time.Now()
	return g.err
}
