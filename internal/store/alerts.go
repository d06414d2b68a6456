package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jddunn/safeos/internal/models"
)

// CreateAlertWithFlag inserts an alert and, when flag is non-nil, its
// content flag plus the pending review-queue item, atomically. The queue
// item is stamped with anonymized=(tier>=3) and the tier's blur level.
func (s *Store) CreateAlertWithFlag(ctx context.Context, alert *models.Alert, flag *models.ContentFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alert tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, stream_id, type, severity, title, body, created_at,
			acknowledged, escalation_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
	`, alert.ID, alert.StreamID, alert.Type, alert.Severity, alert.Title, alert.Body,
		alert.CreatedAt, alert.EscalationLevel)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	if flag != nil {
		if err := insertFlagTx(ctx, tx, flag); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alert tx: %w", err)
	}
	return nil
}

// CreateFlag inserts a content flag and its review-queue item without an
// accompanying alert.
func (s *Store) CreateFlag(ctx context.Context, flag *models.ContentFlag) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flag tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertFlagTx(ctx, tx, flag); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flag tx: %w", err)
	}
	return nil
}

func insertFlagTx(ctx context.Context, tx *sql.Tx, flag *models.ContentFlag) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO content_flags (id, stream_id, frame_id, tier, categories, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, flag.ID, flag.StreamID, flag.FrameID, flag.Tier, pq.Array(flag.Categories),
		models.FlagPending, flag.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert content flag: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO review_queue (flag_id, status, anonymized, blur_level)
		VALUES ($1, $2, $3, $4)
	`, flag.ID, models.FlagPending, flag.Tier >= 3, models.BlurForTier(flag.Tier))
	if err != nil {
		return fmt.Errorf("insert review item: %w", err)
	}
	return nil
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, type, severity, title, body, created_at,
			acknowledged, acknowledged_at, escalation_level
		FROM alerts
		WHERE id = $1
	`, id).Scan(&alert.ID, &alert.StreamID, &alert.Type, &alert.Severity,
		&alert.Title, &alert.Body, &alert.CreatedAt, &alert.Acknowledged,
		&alert.AcknowledgedAt, &alert.EscalationLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &alert, nil
}

// ListAlertsByStream returns a stream's alerts, newest first.
func (s *Store) ListAlertsByStream(ctx context.Context, streamID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, type, severity, title, body, created_at,
			acknowledged, acknowledged_at, escalation_level
		FROM alerts
		WHERE stream_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, streamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		if err := rows.Scan(&alert.ID, &alert.StreamID, &alert.Type, &alert.Severity,
			&alert.Title, &alert.Body, &alert.CreatedAt, &alert.Acknowledged,
			&alert.AcknowledgedAt, &alert.EscalationLevel); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// AcknowledgeAlert marks an alert acknowledged. Returns true when this call
// transitioned it; false when it was already acknowledged. Acknowledging is
// idempotent.
func (s *Store) AcknowledgeAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET acknowledged = TRUE, acknowledged_at = $2
		WHERE id = $1 AND acknowledged = FALSE
	`, id, at)
	if err != nil {
		return false, fmt.Errorf("acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var acknowledged bool
	err = s.db.QueryRowContext(ctx, `
		SELECT acknowledged FROM alerts WHERE id = $1
	`, id).Scan(&acknowledged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check alert: %w", err)
	}
	return false, nil
}

// SetAlertLevel persists the escalation level the engine reached.
func (s *Store) SetAlertLevel(ctx context.Context, id string, level int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET escalation_level = $2 WHERE id = $1
	`, id, level)
	if err != nil {
		return fmt.Errorf("set alert level: %w", err)
	}
	return nil
}
