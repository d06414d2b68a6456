package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/internal/store"
	"github.com/jddunn/safeos/pkg/logging"
)

// Store is the persistence surface the queue drives. *store.Store satisfies
// it; tests substitute fakes.
type Store interface {
	NextForReviewer(ctx context.Context, reviewerID string) (*models.ReviewItem, error)
	SubmitDecision(ctx context.Context, flagID, reviewerID string, decision models.ReviewDecision, notes *string) (*store.DecisionOutcome, error)
	ExpireLeases(ctx context.Context, cutoff time.Time) (int, error)
	GetReviewItem(ctx context.Context, flagID string) (*models.ReviewItem, error)
	ListReviewItems(ctx context.Context, status models.FlagStatus, limit int) ([]models.ReviewItem, error)
	PendingReviewCount(ctx context.Context) (int, error)
}

// StreamEnder terminates a stream after a block or ban decision.
type StreamEnder interface {
	End(ctx context.Context, id string) error
}

// Options tune the review queue.
type Options struct {
	// LeaseTimeout is how long a reviewer holds an assigned item before the
	// sweeper returns it to pending.
	LeaseTimeout time.Duration
	// Privileged lists reviewer ids allowed to see raw stream ids on tier 3
	// and 4 items. Everyone else gets a stable hash.
	Privileged []string
}

func (o *Options) fillDefaults() {
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 10 * time.Minute
	}
}

// Queue is the human-review workflow over flagged content: tier-priority
// dequeue with per-reviewer leases, decision application with stream side
// effects, lease expiry, and stream-id anonymization for sensitive tiers.
type Queue struct {
	opts       Options
	store      Store
	streams    StreamEnder
	hub        events.Sink
	logger     logging.Logger
	privileged map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewQueue builds the review queue. Call Start to run the lease sweeper.
func NewQueue(opts Options, st Store, streams StreamEnder, hub events.Sink, logger logging.Logger) *Queue {
	opts.fillDefaults()
	privileged := make(map[string]bool, len(opts.Privileged))
	for _, id := range opts.Privileged {
		privileged[id] = true
	}
	return &Queue{
		opts:       opts,
		store:      st,
		streams:    streams,
		hub:        hub,
		logger:     logger,
		privileged: privileged,
		stop:       make(chan struct{}),
	}
}

// Start launches the lease-expiry sweeper.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Next leases the highest-priority pending item to reviewerID. Returns
// models.ErrNotFound when the queue is empty.
func (q *Queue) Next(ctx context.Context, reviewerID string) (*models.ReviewItem, error) {
	item, err := q.store.NextForReviewer(ctx, reviewerID)
	if err != nil {
		return nil, err
	}
	q.redact(item, reviewerID)

	q.logger.WithFields(logging.Fields{
		"flag_id":     item.ID,
		"tier":        item.Tier,
		"reviewer_id": reviewerID,
	}).Info("Review item leased")
	return item, nil
}

// Get returns one item as reviewerID is allowed to see it.
func (q *Queue) Get(ctx context.Context, flagID, reviewerID string) (*models.ReviewItem, error) {
	item, err := q.store.GetReviewItem(ctx, flagID)
	if err != nil {
		return nil, err
	}
	q.redact(item, reviewerID)
	return item, nil
}

// List returns items in priority order, filtered by flag status when one is
// given, each redacted for reviewerID.
func (q *Queue) List(ctx context.Context, status models.FlagStatus, limit int, reviewerID string) ([]models.ReviewItem, error) {
	items, err := q.store.ListReviewItems(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	for i := range items {
		q.redact(&items[i], reviewerID)
	}
	return items, nil
}

// Pending counts unclaimed items.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	return q.store.PendingReviewCount(ctx)
}

// Submit applies reviewerID's verdict to an item it holds the lease on,
// then runs the decision's side effects: block and ban end the source
// stream, ban also records the stream's user on the ban list (inside the
// store transaction). The decision itself is already committed by the time
// side effects run, so a failed stream teardown is logged, not rolled back.
func (q *Queue) Submit(ctx context.Context, flagID, reviewerID string, decision models.ReviewDecision, notes *string) (*models.ReviewItem, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("decision %q: %w", decision, models.ErrInvalidInput)
	}

	outcome, err := q.store.SubmitDecision(ctx, flagID, reviewerID, decision, notes)
	if err != nil {
		return nil, err
	}

	if outcome.EndStream {
		if err := q.streams.End(ctx, outcome.StreamID); err != nil && !errors.Is(err, models.ErrNotFound) {
			q.logger.WithFields(logging.Fields{
				"stream_id": outcome.StreamID,
				"flag_id":   flagID,
				"error":     err,
			}).Warn("Failed to end stream after review decision")
		}
	}
	if outcome.Banned {
		q.logger.WithFields(logging.Fields{
			"flag_id":     flagID,
			"reviewer_id": reviewerID,
		}).Info("Stream owner banned by review decision")
	}

	q.hub.Publish(events.Event{
		Type:     events.TypeFlagReviewed,
		StreamID: outcome.StreamID,
		Data: map[string]any{
			"flag_id":  flagID,
			"decision": string(decision),
			"tier":     outcome.Item.Tier,
			"status":   string(outcome.Item.Status),
			"banned":   outcome.Banned,
		},
		Timestamp: time.Now().UTC(),
	})

	q.logger.WithFields(logging.Fields{
		"flag_id":     flagID,
		"reviewer_id": reviewerID,
		"decision":    decision,
	}).Info("Review decision applied")

	item := outcome.Item
	q.redact(item, reviewerID)
	return item, nil
}

func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	interval := q.opts.LeaseTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			q.expireOnce(context.Background(), time.Now().UTC())
		}
	}
}

// expireOnce returns leases older than LeaseTimeout to pending.
func (q *Queue) expireOnce(ctx context.Context, now time.Time) {
	released, err := q.store.ExpireLeases(ctx, now.Add(-q.opts.LeaseTimeout))
	if err != nil {
		q.logger.WithField("error", err).Warn("Lease expiry sweep failed")
		return
	}
	if released > 0 {
		q.logger.WithField("count", released).Info("Expired review leases returned to pending")
	}
}

// redact hides the raw stream id on tier 3+ items from reviewers outside
// the privileged set. The replacement hash is stable so a reviewer can
// still tell two flags from the same stream apart.
func (q *Queue) redact(item *models.ReviewItem, reviewerID string) {
	if item == nil || item.Tier < 3 || q.privileged[reviewerID] {
		return
	}
	item.StreamRef = StreamRef(item.StreamID)
	item.StreamID = ""
}

// StreamRef is the stable anonymized handle for a stream id.
func StreamRef(streamID string) string {
	sum := sha256.Sum256([]byte(streamID))
	return hex.EncodeToString(sum[:8])
}
