package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/kafka"
	"github.com/jddunn/safeos/pkg/logging"
)

type fakeProducer struct {
	mu      sync.Mutex
	batches [][]kafka.MonitorEvent
	err     error
}

func (f *fakeProducer) PublishBatch(evts []kafka.MonitorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	// The exporter reuses its batch slice, so keep a copy.
	batch := make([]kafka.MonitorEvent, len(evts))
	copy(batch, evts)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeProducer) ProduceMessage(string, []byte, []byte, map[string]string) error { return nil }
func (f *fakeProducer) PublishEvent(*kafka.MonitorEvent) error                         { return nil }
func (f *fakeProducer) Close() error                                                   { return nil }
func (f *fakeProducer) HealthCheck() error                                             { return nil }

func (f *fakeProducer) all() []kafka.MonitorEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.MonitorEvent
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeProducer) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sizes []int
	for _, b := range f.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

type fakeRowSink struct {
	mu      sync.Mutex
	inserts [][]analysisRow
	err     error
}

func (f *fakeRowSink) insert(_ context.Context, rows []analysisRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]analysisRow, len(rows))
	copy(batch, rows)
	f.inserts = append(f.inserts, batch)
	return nil
}

func (f *fakeRowSink) all() []analysisRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []analysisRow
	for _, b := range f.inserts {
		out = append(out, b...)
	}
	return out
}

func TestExporterFlushesQueuedEvents(t *testing.T) {
	producer := &fakeProducer{}
	exp := NewExporter(producer, logging.NewTestLogger())
	exp.Start()

	exp.Publish(events.Event{
		Type:      events.TypeAlertCreated,
		StreamID:  "stream-1",
		Data:      map[string]any{"alert_id": "alert-1", "scenario": "baby"},
		Timestamp: time.Now().UTC(),
	})
	exp.Publish(events.Event{Type: events.TypeStreamEnded, StreamID: "stream-1"})
	exp.Stop()

	got := producer.all()
	if len(got) != 2 {
		t.Fatalf("exported %d events, want 2", len(got))
	}
	first := got[0]
	if first.EventType != events.TypeAlertCreated {
		t.Errorf("event type = %q, want %q", first.EventType, events.TypeAlertCreated)
	}
	if first.StreamID == nil || *first.StreamID != "stream-1" {
		t.Errorf("stream id = %v, want stream-1", first.StreamID)
	}
	if first.AlertID == nil || *first.AlertID != "alert-1" {
		t.Errorf("alert id = %v, want alert-1", first.AlertID)
	}
	if first.Scenario != "baby" {
		t.Errorf("scenario = %q, want baby", first.Scenario)
	}
	if first.SchemaVersion != schemaVersion {
		t.Errorf("schema version = %q, want %q", first.SchemaVersion, schemaVersion)
	}

	exported, failed, dropped := exp.Stats()
	if exported != 2 || failed != 0 || dropped != 0 {
		t.Errorf("stats = (%d, %d, %d), want (2, 0, 0)", exported, failed, dropped)
	}
}

func TestExporterSplitsBatchesAtSize(t *testing.T) {
	producer := &fakeProducer{}
	exp := NewExporter(producer, logging.NewTestLogger())
	exp.batchSize = 2
	exp.Start()

	for i := 0; i < 5; i++ {
		exp.Publish(events.Event{Type: events.TypeFrameAnalyzed, StreamID: "stream-1"})
	}
	exp.Stop()

	if total := len(producer.all()); total != 5 {
		t.Fatalf("exported %d events, want 5", total)
	}
	for _, size := range producer.batchSizes() {
		if size > 2 {
			t.Errorf("batch of %d events exceeds the size cap", size)
		}
	}
}

func TestExporterDropsWhenBufferFull(t *testing.T) {
	producer := &fakeProducer{}
	exp := NewExporter(producer, logging.NewTestLogger())
	exp.buf = make(chan kafka.MonitorEvent, 1)

	for i := 0; i < 3; i++ {
		exp.Publish(events.Event{Type: events.TypeEscalation})
	}

	if _, _, dropped := exp.Stats(); dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
}

func TestExporterCountsFailedBatches(t *testing.T) {
	producer := &fakeProducer{err: errors.New("brokers unreachable")}
	exp := NewExporter(producer, logging.NewTestLogger())
	exp.Start()

	exp.Publish(events.Event{Type: events.TypeAlertCreated})
	exp.Stop()

	exported, failed, _ := exp.Stats()
	if exported != 0 || failed != 1 {
		t.Errorf("stats = (%d exported, %d failed), want (0, 1)", exported, failed)
	}
}

func TestMonitorEventFillsZeroTimestamp(t *testing.T) {
	me := monitorEvent(events.Event{Type: events.TypeStreamCreated})
	if me.Timestamp.IsZero() {
		t.Error("zero event timestamp not replaced")
	}
	if me.EventID == "" {
		t.Error("event id not assigned")
	}
	if me.StreamID != nil {
		t.Errorf("stream id = %v, want nil for streamless event", me.StreamID)
	}
}

func testResult() models.AnalysisResult {
	return models.AnalysisResult{
		ID:                "analysis-1",
		StreamID:          "stream-1",
		FrameID:           "frame-1",
		Concern:           models.ConcernHigh,
		Confidence:        0.85,
		Description:       "person fallen near the stairs",
		DetectedIssues:    []string{"fall"},
		RecommendedAction: "check on them",
		ProcessingMs:      412,
		ModelName:         "detail-model",
		UsedCloudFallback: true,
		TriageResult:      models.ConcernHigh,
	}
}

func newTestRecorder(sink rowSink) *AnalysisRecorder {
	rec := NewAnalysisRecorder(nil, logging.NewTestLogger())
	rec.sink = sink
	return rec
}

func TestRecorderPersistsAnalyzedFrames(t *testing.T) {
	sink := &fakeRowSink{}
	rec := newTestRecorder(sink)
	rec.Start()

	result := testResult()
	rec.Publish(events.Event{
		Type:      events.TypeFrameAnalyzed,
		StreamID:  result.StreamID,
		Data:      map[string]any{"result": &result},
		Timestamp: time.Now().UTC(),
	})
	rec.Stop()

	rows := sink.all()
	if len(rows) != 1 {
		t.Fatalf("persisted %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.analysisID != "analysis-1" || row.streamID != "stream-1" || row.frameID != "frame-1" {
		t.Errorf("row identity = (%q, %q, %q)", row.analysisID, row.streamID, row.frameID)
	}
	if row.concern != "high" || row.triageResult != "high" {
		t.Errorf("row concern = (%q, %q), want high", row.concern, row.triageResult)
	}
	if !row.usedCloudFallback || row.processingMs != 412 {
		t.Errorf("row fallback/timing = (%v, %d)", row.usedCloudFallback, row.processingMs)
	}

	recorded, failed, dropped := rec.Stats()
	if recorded != 1 || failed != 0 || dropped != 0 {
		t.Errorf("stats = (%d, %d, %d), want (1, 0, 0)", recorded, failed, dropped)
	}
}

func TestRecorderIgnoresOtherEvents(t *testing.T) {
	sink := &fakeRowSink{}
	rec := newTestRecorder(sink)
	rec.Start()

	rec.Publish(events.Event{Type: events.TypeStreamCreated, StreamID: "stream-1"})
	rec.Publish(events.Event{Type: events.TypeFrameAnalyzed, Data: map[string]any{"result": "not a result"}})
	rec.Stop()

	if rows := sink.all(); len(rows) != 0 {
		t.Errorf("persisted %d rows from non-analysis events, want 0", len(rows))
	}
}

func TestRecorderCountsFailedInserts(t *testing.T) {
	sink := &fakeRowSink{err: errors.New("clickhouse down")}
	rec := newTestRecorder(sink)
	rec.Start()

	result := testResult()
	rec.Publish(events.Event{Type: events.TypeFrameAnalyzed, Data: map[string]any{"result": result}})
	rec.Stop()

	recorded, failed, _ := rec.Stats()
	if recorded != 0 || failed != 1 {
		t.Errorf("stats = (%d recorded, %d failed), want (0, 1)", recorded, failed)
	}
}

func TestResultFromAcceptsValueAndPointer(t *testing.T) {
	value := testResult()
	if got, ok := resultFrom(value); !ok || got.ID != "analysis-1" {
		t.Errorf("value form = (%v, %v)", got.ID, ok)
	}
	if got, ok := resultFrom(&value); !ok || got.ID != "analysis-1" {
		t.Errorf("pointer form = (%v, %v)", got.ID, ok)
	}
	if _, ok := resultFrom(nil); ok {
		t.Error("nil accepted as a result")
	}
	var nilPtr *models.AnalysisResult
	if _, ok := resultFrom(nilPtr); ok {
		t.Error("nil pointer accepted as a result")
	}
}
