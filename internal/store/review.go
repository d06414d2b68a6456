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

const reviewItemColumns = `cf.id, cf.stream_id, cf.frame_id, cf.tier, cf.categories,
		cf.status, cf.created_at, rq.assigned_to, rq.assigned_at, rq.reviewer_id,
		rq.reviewed_at, rq.decision, rq.notes, rq.anonymized, rq.blur_level`

// NextForReviewer atomically claims the pending item with the highest tier,
// ties broken by oldest creation time. Returns ErrNotFound when the queue
// has no pending items.
func (s *Store) NextForReviewer(ctx context.Context, reviewerID string) (*models.ReviewItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var flagID string
	err = tx.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM content_flags
			WHERE status = $1
			ORDER BY tier DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE content_flags cf
		SET status = $2
		FROM next
		WHERE cf.id = next.id
		RETURNING cf.id
	`, models.FlagPending, models.FlagAssigned).Scan(&flagID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review queue empty: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("claim review item: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE review_queue
		SET status = $2, assigned_to = $3, assigned_at = NOW()
		WHERE flag_id = $1
	`, flagID, models.FlagAssigned, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("stamp lease: %w", err)
	}

	item, err := scanReviewItem(tx.QueryRowContext(ctx, `
		SELECT `+reviewItemColumns+`
		FROM content_flags cf
		JOIN review_queue rq ON rq.flag_id = cf.id
		WHERE cf.id = $1
	`, flagID))
	if err != nil {
		return nil, fmt.Errorf("load claimed item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return item, nil
}

// DecisionOutcome reports what a submitted decision changed, so the caller
// can run the non-transactional side effects (ending streams, events).
type DecisionOutcome struct {
	Item      *models.ReviewItem
	StreamID  string
	UserID    *string
	EndStream bool
	Banned    bool
}

// SubmitDecision applies a reviewer's verdict to an assigned item. Only the
// current lessee may submit; anyone else gets ErrConflict. The flag, queue
// row, and (for ban) the ban list are updated in one transaction.
func (s *Store) SubmitDecision(ctx context.Context, flagID, reviewerID string, decision models.ReviewDecision, notes *string) (*DecisionOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decision tx: %w", err)
	}
	defer tx.Rollback()

	var (
		queueStatus models.FlagStatus
		assignedTo  sql.NullString
		streamID    string
		userID      *string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT rq.status, rq.assigned_to, cf.stream_id, s.user_id
		FROM content_flags cf
		JOIN review_queue rq ON rq.flag_id = cf.id
		JOIN streams s ON s.id = cf.stream_id
		WHERE cf.id = $1
		FOR UPDATE OF cf, rq
	`, flagID).Scan(&queueStatus, &assignedTo, &streamID, &userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review item %s: %w", flagID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load review item: %w", err)
	}

	if queueStatus != models.FlagAssigned || !assignedTo.Valid || assignedTo.String != reviewerID {
		return nil, fmt.Errorf("review item %s is not leased by %s: %w", flagID, reviewerID, models.ErrConflict)
	}

	queueFinal := models.FlagReviewed
	flagFinal := models.FlagDismissed
	outcome := &DecisionOutcome{StreamID: streamID, UserID: userID}
	switch decision {
	case models.DecisionSafe:
	case models.DecisionBlock:
		flagFinal = models.FlagBlocked
		outcome.EndStream = true
	case models.DecisionEscalate:
		queueFinal = models.FlagEscalated
		flagFinal = models.FlagEscalated
	case models.DecisionBan:
		flagFinal = models.FlagBlocked
		outcome.EndStream = true
		outcome.Banned = userID != nil
	default:
		return nil, fmt.Errorf("decision %q: %w", decision, models.ErrInvalidInput)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE review_queue
		SET status = $2, reviewer_id = $3, reviewed_at = NOW(), decision = $4, notes = $5
		WHERE flag_id = $1
	`, flagID, queueFinal, reviewerID, decision, notes)
	if err != nil {
		return nil, fmt.Errorf("update review item: %w", err)
	}

	if decision == models.DecisionEscalate {
		_, err = tx.ExecContext(ctx, `
			UPDATE content_flags SET status = $2, tier = 4 WHERE id = $1
		`, flagID, flagFinal)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE content_flags SET status = $2 WHERE id = $1
		`, flagID, flagFinal)
	}
	if err != nil {
		return nil, fmt.Errorf("update flag status: %w", err)
	}

	if outcome.Banned {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO banned_users (user_id, reason)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO NOTHING
		`, *userID, "review ban on flag "+flagID)
		if err != nil {
			return nil, fmt.Errorf("insert ban: %w", err)
		}
	}

	item, err := scanReviewItem(tx.QueryRowContext(ctx, `
		SELECT `+reviewItemColumns+`
		FROM content_flags cf
		JOIN review_queue rq ON rq.flag_id = cf.id
		WHERE cf.id = $1
	`, flagID))
	if err != nil {
		return nil, fmt.Errorf("load decided item: %w", err)
	}
	outcome.Item = item

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decision tx: %w", err)
	}
	return outcome, nil
}

// ExpireLeases returns items assigned before the cutoff to pending and
// reports how many leases were released.
func (s *Store) ExpireLeases(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expiry tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE review_queue
		SET status = $1, assigned_to = NULL, assigned_at = NULL
		WHERE status = $2 AND assigned_at < $3
		RETURNING flag_id
	`, models.FlagPending, models.FlagAssigned, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}

	if len(expired) == 0 {
		return 0, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE content_flags SET status = $1 WHERE id = ANY($2)
	`, models.FlagPending, pq.Array(expired))
	if err != nil {
		return 0, fmt.Errorf("reset expired flags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry tx: %w", err)
	}
	return len(expired), nil
}

// GetReviewItem fetches one item with its queue metadata.
func (s *Store) GetReviewItem(ctx context.Context, flagID string) (*models.ReviewItem, error) {
	item, err := scanReviewItem(s.db.QueryRowContext(ctx, `
		SELECT `+reviewItemColumns+`
		FROM content_flags cf
		JOIN review_queue rq ON rq.flag_id = cf.id
		WHERE cf.id = $1
	`, flagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("review item %s: %w", flagID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review item: %w", err)
	}
	return item, nil
}

// ListReviewItems returns items filtered by flag status, or all when status
// is empty, in queue priority order.
func (s *Store) ListReviewItems(ctx context.Context, status models.FlagStatus, limit int) ([]models.ReviewItem, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + reviewItemColumns + `
		FROM content_flags cf
		JOIN review_queue rq ON rq.flag_id = cf.id
	`
	var args []any
	if status != "" {
		query += ` WHERE cf.status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(`
		ORDER BY cf.tier DESC, cf.created_at ASC
		LIMIT $%d
	`, len(args)+1)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var items []models.ReviewItem
	for rows.Next() {
		item, err := scanReviewItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// PendingReviewCount returns the number of unclaimed items.
func (s *Store) PendingReviewCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM content_flags WHERE status = $1
	`, models.FlagPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending reviews: %w", err)
	}
	return count, nil
}

func scanReviewItem(row rowScanner) (*models.ReviewItem, error) {
	var (
		item     models.ReviewItem
		decision sql.NullString
	)
	err := row.Scan(&item.ID, &item.StreamID, &item.FrameID, &item.Tier,
		pq.Array(&item.Categories), &item.Status, &item.CreatedAt,
		&item.AssignedTo, &item.AssignedAt, &item.ReviewerID, &item.ReviewedAt,
		&decision, &item.Notes, &item.Anonymized, &item.BlurLevel)
	if err != nil {
		return nil, err
	}
	if decision.Valid {
		d := models.ReviewDecision(decision.String)
		item.Decision = &d
	}
	return &item, nil
}
