package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jddunn/safeos/internal/events"
	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/internal/store"
	"github.com/jddunn/safeos/pkg/logging"
)

type fakeStore struct {
	mu sync.Mutex

	nextItem *models.ReviewItem
	nextErr  error

	outcome   *store.DecisionOutcome
	submitErr error
	submitted []submission

	expired  int
	cutoffs  []time.Time
	items    []models.ReviewItem
	pending  int
	getItem  *models.ReviewItem
	getError error
}

type submission struct {
	flagID     string
	reviewerID string
	decision   models.ReviewDecision
}

func (f *fakeStore) NextForReviewer(_ context.Context, _ string) (*models.ReviewItem, error) {
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	item := *f.nextItem
	return &item, nil
}

func (f *fakeStore) SubmitDecision(_ context.Context, flagID, reviewerID string, decision models.ReviewDecision, _ *string) (*store.DecisionOutcome, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, submission{flagID, reviewerID, decision})
	f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.outcome, nil
}

func (f *fakeStore) ExpireLeases(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.expired, nil
}

func (f *fakeStore) GetReviewItem(_ context.Context, _ string) (*models.ReviewItem, error) {
	if f.getError != nil {
		return nil, f.getError
	}
	item := *f.getItem
	return &item, nil
}

func (f *fakeStore) ListReviewItems(_ context.Context, _ models.FlagStatus, _ int) ([]models.ReviewItem, error) {
	out := make([]models.ReviewItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeStore) PendingReviewCount(_ context.Context) (int, error) {
	return f.pending, nil
}

type fakeEnder struct {
	mu     sync.Mutex
	ended  []string
	endErr error
}

func (f *fakeEnder) End(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return f.endErr
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Publish(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) byType(typ string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func tierItem(tier int) *models.ReviewItem {
	return &models.ReviewItem{
		ContentFlag: models.ContentFlag{
			ID:         "flag-1",
			StreamID:   "stream-1",
			Tier:       tier,
			Categories: []string{"graphic"},
			Status:     models.FlagAssigned,
			CreatedAt:  time.Now().UTC(),
		},
		Anonymized: tier >= 3,
		BlurLevel:  models.BlurForTier(tier),
	}
}

func newTestQueue(st *fakeStore, ender *fakeEnder, sink *captureSink, privileged ...string) *Queue {
	return NewQueue(Options{
		LeaseTimeout: 10 * time.Minute,
		Privileged:   privileged,
	}, st, ender, sink, logging.NewTestLogger())
}

func TestNextRedactsHighTierStreams(t *testing.T) {
	st := &fakeStore{nextItem: tierItem(3)}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	item, err := q.Next(context.Background(), "reviewer-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if item.StreamID != "" {
		t.Errorf("tier-3 item exposed stream id %q to non-privileged reviewer", item.StreamID)
	}
	want := StreamRef("stream-1")
	if item.StreamRef != want {
		t.Errorf("stream_ref = %q, want %q", item.StreamRef, want)
	}
}

func TestNextKeepsRawStreamForPrivilegedReviewer(t *testing.T) {
	st := &fakeStore{nextItem: tierItem(4)}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{}, "senior-1")

	item, err := q.Next(context.Background(), "senior-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if item.StreamID != "stream-1" {
		t.Errorf("privileged reviewer got stream id %q, want raw id", item.StreamID)
	}
	if item.StreamRef != "" {
		t.Errorf("privileged view carries stream_ref %q, want none", item.StreamRef)
	}
}

func TestNextLeavesLowTierAlone(t *testing.T) {
	st := &fakeStore{nextItem: tierItem(2)}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	item, err := q.Next(context.Background(), "reviewer-1")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if item.StreamID != "stream-1" || item.StreamRef != "" {
		t.Errorf("tier-2 item = (%q, %q), want raw stream id and no ref", item.StreamID, item.StreamRef)
	}
}

func TestNextPropagatesEmptyQueue(t *testing.T) {
	st := &fakeStore{nextErr: fmt.Errorf("review queue empty: %w", models.ErrNotFound)}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	_, err := q.Next(context.Background(), "reviewer-1")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("empty queue error = %v, want ErrNotFound", err)
	}
}

func TestSubmitRejectsUnknownDecision(t *testing.T) {
	st := &fakeStore{}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	_, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.ReviewDecision("purge"), nil)
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("unknown decision error = %v, want ErrInvalidInput", err)
	}
	if len(st.submitted) != 0 {
		t.Error("store consulted for an invalid decision")
	}
}

func TestSubmitSafeLeavesStreamRunning(t *testing.T) {
	item := tierItem(2)
	item.Status = models.FlagReviewed
	st := &fakeStore{outcome: &store.DecisionOutcome{Item: item, StreamID: "stream-1"}}
	ender := &fakeEnder{}
	sink := &captureSink{}
	q := newTestQueue(st, ender, sink)

	got, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.DecisionSafe, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Status != models.FlagReviewed {
		t.Errorf("status = %q, want %q", got.Status, models.FlagReviewed)
	}
	if len(ender.ended) != 0 {
		t.Errorf("safe decision ended streams %v, want none", ender.ended)
	}

	published := sink.byType(events.TypeFlagReviewed)
	if len(published) != 1 {
		t.Fatalf("flag:reviewed events = %d, want 1", len(published))
	}
	if published[0].Data["decision"] != "safe" {
		t.Errorf("event decision = %v, want safe", published[0].Data["decision"])
	}
}

func TestSubmitBlockEndsStream(t *testing.T) {
	item := tierItem(2)
	item.Status = models.FlagBlocked
	st := &fakeStore{outcome: &store.DecisionOutcome{Item: item, StreamID: "stream-1", EndStream: true}}
	ender := &fakeEnder{}
	q := newTestQueue(st, ender, &captureSink{})

	if _, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.DecisionBlock, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ender.ended) != 1 || ender.ended[0] != "stream-1" {
		t.Errorf("ended = %v, want [stream-1]", ender.ended)
	}
}

func TestSubmitToleratesAlreadyEndedStream(t *testing.T) {
	item := tierItem(2)
	st := &fakeStore{outcome: &store.DecisionOutcome{Item: item, StreamID: "stream-1", EndStream: true}}
	ender := &fakeEnder{endErr: fmt.Errorf("stream stream-1: %w", models.ErrNotFound)}
	q := newTestQueue(st, ender, &captureSink{})

	if _, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.DecisionBan, nil); err != nil {
		t.Fatalf("Submit against an already-ended stream: %v", err)
	}
}

func TestSubmitSurfacesLeaseConflict(t *testing.T) {
	st := &fakeStore{submitErr: fmt.Errorf("not leased: %w", models.ErrConflict)}
	ender := &fakeEnder{}
	sink := &captureSink{}
	q := newTestQueue(st, ender, sink)

	_, err := q.Submit(context.Background(), "flag-1", "intruder", models.DecisionSafe, nil)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("conflict error = %v, want ErrConflict", err)
	}
	if len(ender.ended) != 0 || len(sink.byType(events.TypeFlagReviewed)) != 0 {
		t.Error("side effects ran for a rejected submission")
	}
}

func TestSubmitBanPublishesBanned(t *testing.T) {
	item := tierItem(3)
	item.Status = models.FlagReviewed
	st := &fakeStore{outcome: &store.DecisionOutcome{Item: item, StreamID: "stream-1", EndStream: true, Banned: true}}
	sink := &captureSink{}
	q := newTestQueue(st, &fakeEnder{}, sink)

	if _, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.DecisionBan, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	published := sink.byType(events.TypeFlagReviewed)
	if len(published) != 1 {
		t.Fatalf("flag:reviewed events = %d, want 1", len(published))
	}
	if published[0].Data["banned"] != true {
		t.Errorf("event banned = %v, want true", published[0].Data["banned"])
	}
}

func TestSubmitRedactsReturnedItem(t *testing.T) {
	item := tierItem(4)
	item.Status = models.FlagEscalated
	st := &fakeStore{outcome: &store.DecisionOutcome{Item: item, StreamID: "stream-1"}}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	got, err := q.Submit(context.Background(), "flag-1", "reviewer-1", models.DecisionEscalate, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.StreamID != "" || got.StreamRef == "" {
		t.Errorf("escalated item = (%q, %q), want redacted stream id", got.StreamID, got.StreamRef)
	}
}

func TestListRedactsPerItem(t *testing.T) {
	st := &fakeStore{items: []models.ReviewItem{*tierItem(4), *tierItem(1)}}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	items, err := q.List(context.Background(), models.FlagPending, 10, "reviewer-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if items[0].StreamID != "" {
		t.Errorf("tier-4 list entry exposed stream id %q", items[0].StreamID)
	}
	if items[1].StreamID != "stream-1" {
		t.Errorf("tier-1 list entry stream id = %q, want raw", items[1].StreamID)
	}
}

func TestExpireUsesLeaseTimeoutCutoff(t *testing.T) {
	st := &fakeStore{expired: 2}
	q := newTestQueue(st, &fakeEnder{}, &captureSink{})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.expireOnce(context.Background(), now)

	if len(st.cutoffs) != 1 {
		t.Fatalf("expiry calls = %d, want 1", len(st.cutoffs))
	}
	want := now.Add(-10 * time.Minute)
	if !st.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", st.cutoffs[0], want)
	}
}

func TestStreamRefIsStable(t *testing.T) {
	a := StreamRef("stream-1")
	b := StreamRef("stream-1")
	c := StreamRef("stream-2")
	if a != b {
		t.Errorf("same stream hashed to %q and %q", a, b)
	}
	if a == c {
		t.Error("different streams hashed to the same ref")
	}
	if len(a) != 16 {
		t.Errorf("ref length = %d, want 16", len(a))
	}
}
