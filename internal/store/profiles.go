package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jddunn/safeos/internal/models"
)

const profileColumns = `id, scenario, name, triage_prompt, detailed_prompt,
		motion_threshold, audio_threshold, active, created_at`

// CreateProfile persists a custom scenario profile.
func (s *Store) CreateProfile(ctx context.Context, profile *models.Profile) error {
	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO user_profiles (id, scenario, name, triage_prompt, detailed_prompt,
			motion_threshold, audio_threshold, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		RETURNING created_at
	`, profile.ID, profile.Scenario, profile.Name, profile.TriagePrompt,
		profile.DetailedPrompt, profile.MotionThreshold, profile.AudioThreshold).Scan(&profile.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	profile.Active = false
	return nil
}

// ListProfiles returns all custom profiles.
func (s *Store) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+profileColumns+`
		FROM user_profiles
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Scenario, &p.Name, &p.TriagePrompt,
			&p.DetailedPrompt, &p.MotionThreshold, &p.AudioThreshold,
			&p.Active, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// DeleteProfile removes a custom profile.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM user_profiles WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ActivateProfile makes one profile the active profile for its scenario,
// deactivating any sibling.
func (s *Store) ActivateProfile(ctx context.Context, id string) (*models.Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin activate tx: %w", err)
	}
	defer tx.Rollback()

	var scenario models.Scenario
	err = tx.QueryRowContext(ctx, `
		SELECT scenario FROM user_profiles WHERE id = $1 FOR UPDATE
	`, id).Scan(&scenario)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE user_profiles SET active = FALSE WHERE scenario = $1 AND active
	`, scenario)
	if err != nil {
		return nil, fmt.Errorf("deactivate siblings: %w", err)
	}

	var p models.Profile
	err = tx.QueryRowContext(ctx, `
		UPDATE user_profiles SET active = TRUE WHERE id = $1
		RETURNING `+profileColumns+`
	`, id).Scan(&p.ID, &p.Scenario, &p.Name, &p.TriagePrompt, &p.DetailedPrompt,
		&p.MotionThreshold, &p.AudioThreshold, &p.Active, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("activate profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit activate tx: %w", err)
	}
	return &p, nil
}

// ActiveProfile returns the active custom profile for a scenario, or
// ErrNotFound when the scenario runs on its built-in profile.
func (s *Store) ActiveProfile(ctx context.Context, scenario models.Scenario) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM user_profiles
		WHERE scenario = $1 AND active
	`, scenario).Scan(&p.ID, &p.Scenario, &p.Name, &p.TriagePrompt, &p.DetailedPrompt,
		&p.MotionThreshold, &p.AudioThreshold, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active profile for %s: %w", scenario, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("active profile: %w", err)
	}
	return &p, nil
}
