package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// BanUser adds a user to the ban list. Banning an already banned user is a
// no-op.
func (s *Store) BanUser(ctx context.Context, userID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_users (user_id, reason)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, reason)
	if err != nil {
		return fmt.Errorf("ban user: %w", err)
	}
	return nil
}

// IsBanned reports whether a user is on the ban list.
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, error) {
	var banned bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM banned_users WHERE user_id = $1)
	`, userID).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return banned, nil
}

// SeedBans imports user ids from a seed file in one statement, skipping
// entries already present.
func (s *Store) SeedBans(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO banned_users (user_id, reason)
		SELECT unnest($1::text[]), 'seed import'
		ON CONFLICT (user_id) DO NOTHING
	`, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("seed bans: %w", err)
	}
	return nil
}
