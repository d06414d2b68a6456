package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/models"
)

// UpsertPushSubscription registers a browser push endpoint. Registering the
// same endpoint again refreshes its keys instead of creating a duplicate.
func (s *Store) UpsertPushSubscription(ctx context.Context, sub *models.PushSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (endpoint) DO UPDATE
		SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, user_id = EXCLUDED.user_id
		RETURNING id, created_at
	`, sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert push subscription: %w", err)
	}
	return nil
}

// DeletePushSubscription removes a subscription by endpoint. Used both for
// explicit unsubscribes and for pruning endpoints the push service reports
// gone.
func (s *Store) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM push_subscriptions WHERE endpoint = $1
	`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// ListPushSubscriptions returns every registered push endpoint.
func (s *Store) ListPushSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh,
			&sub.Auth, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AddSMSRecipient registers a phone number, deduplicated by number.
func (s *Store) AddSMSRecipient(ctx context.Context, rec *models.SMSRecipient) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sms_recipients (id, user_id, phone)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, created_at
	`, rec.ID, rec.UserID, rec.Phone).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("add sms recipient: %w", err)
	}
	return nil
}

// ListSMSRecipients returns every registered phone number.
func (s *Store) ListSMSRecipients(ctx context.Context) ([]models.SMSRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, phone, created_at
		FROM sms_recipients
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sms recipients: %w", err)
	}
	defer rows.Close()

	var recs []models.SMSRecipient
	for rows.Next() {
		var rec models.SMSRecipient
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Phone, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sms recipient: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AddChatRecipient registers a chat conversation, deduplicated by chat id.
func (s *Store) AddChatRecipient(ctx context.Context, rec *models.ChatRecipient) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_recipients (id, user_id, chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, created_at
	`, rec.ID, rec.UserID, rec.ChatID).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("add chat recipient: %w", err)
	}
	return nil
}

// ListChatRecipients returns every registered chat conversation.
func (s *Store) ListChatRecipients(ctx context.Context) ([]models.ChatRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, chat_id, created_at
		FROM chat_recipients
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list chat recipients: %w", err)
	}
	defer rows.Close()

	var recs []models.ChatRecipient
	for rows.Next() {
		var rec models.ChatRecipient
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ChatID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat recipient: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
