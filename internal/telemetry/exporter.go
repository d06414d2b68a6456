package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/pkg/kafka"
	"github.com/jddunn/safeos/pkg/logging"
)

const schemaVersion = "1.0"

// Exporter forwards hub events to the Kafka monitor_events topic for
// downstream analytics. Publish never blocks: events queue into a bounded
// buffer and are flushed in batches; when the buffer is full the event is
// dropped and counted. Monitoring export is best-effort by design, the
// alerting path never waits on it.
type Exporter struct {
	producer  kafka.ProducerInterface
	logger    logging.Logger
	buf       chan kafka.MonitorEvent
	batchSize int
	flushEach time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	exported atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewExporter builds an exporter over producer. Call Start to run the
// flush loop; the producer's lifecycle stays with the caller.
func NewExporter(producer kafka.ProducerInterface, logger logging.Logger) *Exporter {
	return &Exporter{
		producer:  producer,
		logger:    logger,
		buf:       make(chan kafka.MonitorEvent, 1024),
		batchSize: 100,
		flushEach: time.Second,
		stop:      make(chan struct{}),
	}
}

// Publish queues one event for export. Satisfies events.Sink.
func (e *Exporter) Publish(event events.Event) {
	select {
	case e.buf <- monitorEvent(event):
	default:
		e.dropped.Add(1)
		e.logger.WithField("type", event.Type).Debug("Telemetry buffer full, event dropped")
	}
}

// Start launches the batch flush loop.
func (e *Exporter) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop drains the buffer, flushes what remains, and waits for the loop to
// exit. Close the producer after Stop returns.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
}

// Stats reports exported, failed, and dropped event counts.
func (e *Exporter) Stats() (exported, failed, dropped uint64) {
	return e.exported.Load(), e.failed.Load(), e.dropped.Load()
}

func (e *Exporter) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.flushEach)
	defer ticker.Stop()

	batch := make([]kafka.MonitorEvent, 0, e.batchSize)
	for {
		select {
		case <-e.stop:
			for {
				select {
				case evt := <-e.buf:
					batch = append(batch, evt)
					if len(batch) >= e.batchSize {
						batch = e.flush(batch)
					}
				default:
					e.flush(batch)
					return
				}
			}
		case evt := <-e.buf:
			batch = append(batch, evt)
			if len(batch) >= e.batchSize {
				batch = e.flush(batch)
			}
		case <-ticker.C:
			batch = e.flush(batch)
		}
	}
}

// flush publishes the pending batch and returns the slice reset for reuse.
func (e *Exporter) flush(batch []kafka.MonitorEvent) []kafka.MonitorEvent {
	if len(batch) == 0 {
		return batch
	}
	if err := e.producer.PublishBatch(batch); err != nil {
		e.failed.Add(uint64(len(batch)))
		e.logger.WithFields(logging.Fields{
			"count": len(batch),
			"error": err,
		}).Warn("Failed to export event batch")
	} else {
		e.exported.Add(uint64(len(batch)))
	}
	return batch[:0]
}

func monitorEvent(event events.Event) kafka.MonitorEvent {
	me := kafka.MonitorEvent{
		EventID:       uuid.New().String(),
		EventType:     event.Type,
		Timestamp:     event.Timestamp,
		Data:          event.Data,
		SchemaVersion: schemaVersion,
	}
	if me.Timestamp.IsZero() {
		me.Timestamp = time.Now().UTC()
	}
	if event.StreamID != "" {
		id := event.StreamID
		me.StreamID = &id
	}
	if aid, ok := event.Data["alert_id"].(string); ok && aid != "" {
		me.AlertID = &aid
	}
	if scenario, ok := event.Data["scenario"].(string); ok {
		me.Scenario = scenario
	}
	return me
}
