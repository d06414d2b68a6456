package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jddunn/safeos/internal/models"
	"github.com/jddunn/safeos/pkg/logging"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return New(db, logging.NewTestLogger()), mock, func() { db.Close() }
}

func TestCreateStream(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("INSERT INTO streams").WithArgs(
		"stream-1", "Living Room", nil, "pet", "active",
		sqlmock.AnyArg(), int64(0), int64(0), int64(0), sqlmock.AnyArg(), []byte(nil),
	).WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateStream(context.Background(), &models.Stream{
		ID:        "stream-1",
		Name:      "Living Room",
		Scenario:  models.ScenarioPet,
		Status:    models.StreamActive,
		StartedAt: time.Now().UTC(),
		LastPing:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetStreamNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("FROM streams").WillReturnError(sql.ErrNoRows)

	_, err := s.GetStream(context.Background(), "missing")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAlertWithFlagIsTransactional(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO alerts").WithArgs(
		"alert-1", "stream-1", "analysis", "urgent", "High concern",
		sqlmock.AnyArg(), sqlmock.AnyArg(), 3,
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO content_flags").WithArgs(
		"flag-1", "stream-1", nil, 3, sqlmock.AnyArg(), "pending", sqlmock.AnyArg(),
	).WillReturnResult(sqlmock.NewResult(0, 1))
	// Tier 3 items enter the queue anonymized with heavy blur.
	mock.ExpectExec("INSERT INTO review_queue").WithArgs(
		"flag-1", "pending", true, "heavy",
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.CreateAlertWithFlag(context.Background(),
		&models.Alert{
			ID:              "alert-1",
			StreamID:        "stream-1",
			Type:            models.AlertAnalysis,
			Severity:        models.SeverityUrgent,
			Title:           "High concern",
			CreatedAt:       time.Now().UTC(),
			EscalationLevel: 3,
		},
		&models.ContentFlag{
			ID:         "flag-1",
			StreamID:   "stream-1",
			Tier:       3,
			Categories: []string{"violence"},
			CreatedAt:  time.Now().UTC(),
		})
	if err != nil {
		t.Fatalf("create alert with flag: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAcknowledgeAlertIdempotent(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("UPDATE alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	acked, err := s.AcknowledgeAlert(context.Background(), "alert-1", time.Now().UTC())
	if err != nil || !acked {
		t.Fatalf("first ack: acked=%v err=%v", acked, err)
	}

	mock.ExpectExec("UPDATE alerts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT acknowledged FROM alerts").
		WillReturnRows(sqlmock.NewRows([]string{"acknowledged"}).AddRow(true))
	acked, err = s.AcknowledgeAlert(context.Background(), "alert-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if acked {
		t.Fatal("second ack should not report a transition")
	}

	mock.ExpectExec("UPDATE alerts").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT acknowledged FROM alerts").WillReturnError(sql.ErrNoRows)
	if _, err := s.AcknowledgeAlert(context.Background(), "missing", time.Now().UTC()); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing alert, got %v", err)
	}
}

func reviewItemRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "stream_id", "frame_id", "tier", "categories", "status",
		"created_at", "assigned_to", "assigned_at", "reviewer_id",
		"reviewed_at", "decision", "notes", "anonymized", "blur_level",
	})
}

func TestNextForReviewerClaims(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE content_flags").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("flag-1"))
	mock.ExpectExec("UPDATE review_queue").WithArgs("flag-1", "assigned", "rev-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		reviewItemRows().AddRow("flag-1", "stream-1", nil, 3, "{violence}",
			"assigned", now, "rev-1", now, nil, nil, nil, nil, true, "heavy"))
	mock.ExpectCommit()

	item, err := s.NextForReviewer(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item.ID != "flag-1" || item.AssignedTo == nil || *item.AssignedTo != "rev-1" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if !item.Anonymized || item.BlurLevel != models.BlurHeavy {
		t.Fatalf("tier-3 anonymization missing: %+v", item)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNextForReviewerEmptyQueue(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE content_flags").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.NextForReviewer(context.Background(), "rev-1")
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitDecisionRequiresLease(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		sqlmock.NewRows([]string{"status", "assigned_to", "stream_id", "user_id"}).
			AddRow("assigned", "rev-1", "stream-1", nil))
	mock.ExpectRollback()

	_, err := s.SubmitDecision(context.Background(), "flag-1", "rev-2", models.DecisionSafe, nil)
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for wrong lessee, got %v", err)
	}
}

func TestSubmitDecisionSafe(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		sqlmock.NewRows([]string{"status", "assigned_to", "stream_id", "user_id"}).
			AddRow("assigned", "rev-1", "stream-1", nil))
	mock.ExpectExec("UPDATE review_queue").WithArgs(
		"flag-1", "reviewed", "rev-1", "safe", nil,
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE content_flags").WithArgs("flag-1", "dismissed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		reviewItemRows().AddRow("flag-1", "stream-1", nil, 2, "{profanity}",
			"dismissed", now, "rev-1", now, "rev-1", now, "safe", nil, false, "light"))
	mock.ExpectCommit()

	outcome, err := s.SubmitDecision(context.Background(), "flag-1", "rev-1", models.DecisionSafe, nil)
	if err != nil {
		t.Fatalf("submit safe: %v", err)
	}
	if outcome.EndStream || outcome.Banned {
		t.Fatalf("safe decision must not touch the stream: %+v", outcome)
	}
	if outcome.Item.Status != models.FlagDismissed {
		t.Fatalf("expected dismissed flag, got %s", outcome.Item.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitDecisionBan(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		sqlmock.NewRows([]string{"status", "assigned_to", "stream_id", "user_id"}).
			AddRow("assigned", "rev-1", "stream-1", "user-9"))
	mock.ExpectExec("UPDATE review_queue").WithArgs(
		"flag-1", "reviewed", "rev-1", "ban", nil,
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE content_flags").WithArgs("flag-1", "blocked").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO banned_users").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		reviewItemRows().AddRow("flag-1", "stream-1", nil, 4, "{abuse}",
			"blocked", now, "rev-1", now, "rev-1", now, "ban", nil, true, "full"))
	mock.ExpectCommit()

	outcome, err := s.SubmitDecision(context.Background(), "flag-1", "rev-1", models.DecisionBan, nil)
	if err != nil {
		t.Fatalf("submit ban: %v", err)
	}
	if !outcome.EndStream || !outcome.Banned {
		t.Fatalf("ban decision must end the stream and ban the user: %+v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubmitDecisionEscalateForcesTierFour(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		sqlmock.NewRows([]string{"status", "assigned_to", "stream_id", "user_id"}).
			AddRow("assigned", "rev-1", "stream-1", nil))
	mock.ExpectExec("UPDATE review_queue").WithArgs(
		"flag-1", "escalated", "rev-1", "escalate", nil,
	).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE content_flags SET status = \\$2, tier = 4").
		WithArgs("flag-1", "escalated").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM content_flags cf").WillReturnRows(
		reviewItemRows().AddRow("flag-1", "stream-1", nil, 4, "{graphic}",
			"escalated", now, "rev-1", now, "rev-1", now, "escalate", nil, true, "heavy"))
	mock.ExpectCommit()

	outcome, err := s.SubmitDecision(context.Background(), "flag-1", "rev-1", models.DecisionEscalate, nil)
	if err != nil {
		t.Fatalf("submit escalate: %v", err)
	}
	if outcome.Item.Tier != 4 || outcome.Item.Status != models.FlagEscalated {
		t.Fatalf("escalate must force tier 4: %+v", outcome.Item)
	}
}

func TestExpireLeases(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE review_queue").WillReturnRows(
		sqlmock.NewRows([]string{"flag_id"}).AddRow("flag-1").AddRow("flag-2"))
	mock.ExpectExec("UPDATE content_flags").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.ExpireLeases(context.Background(), time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("expire leases: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired leases, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertPushSubscriptionDedupes(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	created := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO push_subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("sub-1", created))

	sub := &models.PushSubscription{Endpoint: "https://push.example/ep", P256dh: "key", Auth: "auth"}
	if err := s.UpsertPushSubscription(context.Background(), sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if sub.ID != "sub-1" {
		t.Fatalf("expected canonical id from conflict target, got %s", sub.ID)
	}
}

func TestIsBanned(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("FROM banned_users").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	banned, err := s.IsBanned(context.Background(), "user-9")
	if err != nil {
		t.Fatalf("is banned: %v", err)
	}
	if !banned {
		t.Fatal("expected banned")
	}
}
