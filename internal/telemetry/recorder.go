package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/database"
	"github.com/jddunn/safeos/pkg/logging"
)

const insertAnalyses = `
	INSERT INTO frame_analyses (
		timestamp, analysis_id, stream_id, frame_id, concern_level, confidence,
		description, detected_issues, recommended_action, processing_ms,
		model_name, used_cloud_fallback, triage_result
	)`

type analysisRow struct {
	timestamp         time.Time
	analysisID        string
	streamID          string
	frameID           string
	concern           string
	confidence        float64
	description       string
	detectedIssues    []string
	recommendedAction string
	processingMs      int64
	modelName         string
	usedCloudFallback bool
	triageResult      string
}

// rowSink abstracts the batch insert so tests can capture rows.
type rowSink interface {
	insert(ctx context.Context, rows []analysisRow) error
}

// chSink writes through the native ClickHouse batch API.
type chSink struct {
	conn database.ClickHouseNativeConn
}

func (s *chSink) insert(ctx context.Context, rows []analysisRow) error {
	batch, err := s.conn.PrepareBatch(ctx, insertAnalyses)
	if err != nil {
		return fmt.Errorf("prepare analysis batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.timestamp,
			r.analysisID,
			r.streamID,
			r.frameID,
			r.concern,
			r.confidence,
			r.description,
			r.detectedIssues,
			r.recommendedAction,
			r.processingMs,
			r.modelName,
			r.usedCloudFallback,
			r.triageResult,
		); err != nil {
			return fmt.Errorf("append analysis row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send analysis batch: %w", err)
	}
	return nil
}

// AnalysisRecorder persists frame analysis results to ClickHouse in timed
// batches. It listens on the event hub for analyzed frames; everything else
// is ignored. Like the exporter it is best-effort: a full buffer drops the
// row rather than slowing the pipeline.
type AnalysisRecorder struct {
	sink      rowSink
	logger    logging.Logger
	buf       chan analysisRow
	batchSize int
	flushEach time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	recorded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewAnalysisRecorder builds a recorder over a native ClickHouse
// connection. Call Start to run the flush loop.
func NewAnalysisRecorder(conn database.ClickHouseNativeConn, logger logging.Logger) *AnalysisRecorder {
	return &AnalysisRecorder{
		sink:      &chSink{conn: conn},
		logger:    logger,
		buf:       make(chan analysisRow, 512),
		batchSize: 100,
		flushEach: 5 * time.Second,
		stop:      make(chan struct{}),
	}
}

// Publish queues analyzed-frame events for persistence. Satisfies
// events.Sink.
func (r *AnalysisRecorder) Publish(event events.Event) {
	if event.Type != events.TypeFrameAnalyzed {
		return
	}
	result, ok := resultFrom(event.Data["result"])
	if !ok {
		return
	}

	row := analysisRow{
		timestamp:         event.Timestamp,
		analysisID:        result.ID,
		streamID:          result.StreamID,
		frameID:           result.FrameID,
		concern:           string(result.Concern),
		confidence:        result.Confidence,
		description:       result.Description,
		detectedIssues:    result.DetectedIssues,
		recommendedAction: result.RecommendedAction,
		processingMs:      result.ProcessingMs,
		modelName:         result.ModelName,
		usedCloudFallback: result.UsedCloudFallback,
		triageResult:      string(result.TriageResult),
	}
	if row.timestamp.IsZero() {
		row.timestamp = time.Now().UTC()
	}

	select {
	case r.buf <- row:
	default:
		r.dropped.Add(1)
		r.logger.WithField("stream_id", result.StreamID).Debug("Analysis buffer full, row dropped")
	}
}

// Start launches the batch flush loop.
func (r *AnalysisRecorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains the buffer, flushes what remains, and waits for the loop to
// exit.
func (r *AnalysisRecorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Stats reports recorded, failed, and dropped row counts.
func (r *AnalysisRecorder) Stats() (recorded, failed, dropped uint64) {
	return r.recorded.Load(), r.failed.Load(), r.dropped.Load()
}

func (r *AnalysisRecorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushEach)
	defer ticker.Stop()

	batch := make([]analysisRow, 0, r.batchSize)
	for {
		select {
		case <-r.stop:
			for {
				select {
				case row := <-r.buf:
					batch = append(batch, row)
					if len(batch) >= r.batchSize {
						batch = r.flush(batch)
					}
				default:
					r.flush(batch)
					return
				}
			}
		case row := <-r.buf:
			batch = append(batch, row)
			if len(batch) >= r.batchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		}
	}
}

func (r *AnalysisRecorder) flush(batch []analysisRow) []analysisRow {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.sink.insert(ctx, batch); err != nil {
		r.failed.Add(uint64(len(batch)))
		r.logger.WithFields(logging.Fields{
			"count": len(batch),
			"error": err,
		}).Warn("Failed to persist analysis batch")
	} else {
		r.recorded.Add(uint64(len(batch)))
	}
	return batch[:0]
}

func resultFrom(v any) (models.AnalysisResult, bool) {
	switch t := v.(type) {
	case models.AnalysisResult:
		return t, true
	case *models.AnalysisResult:
		if t != nil {
			return *t, true
		}
	}
	return models.AnalysisResult{}, false
}
