package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jddunn/safeos/internal/models"
)

const streamColumns = `id, name, user_id, scenario, status, started_at, ended_at,
		frame_count, alert_count, frames_dropped, last_ping, preferences`

// CreateStream persists a new stream row.
func (s *Store) CreateStream(ctx context.Context, stream *models.Stream) error {
	prefs, err := marshalPreferences(stream.Preferences)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO streams (id, name, user_id, scenario, status, started_at,
			frame_count, alert_count, frames_dropped, last_ping, preferences)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, stream.ID, stream.Name, stream.UserID, stream.Scenario, stream.Status,
		stream.StartedAt, stream.FrameCount, stream.AlertCount, stream.FramesDropped,
		stream.LastPing, prefs)
	if err != nil {
		return fmt.Errorf("insert stream: %w", err)
	}
	return nil
}

// GetStream fetches one stream by id.
func (s *Store) GetStream(ctx context.Context, id string) (*models.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE id = $1
	`, id)
	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return stream, nil
}

// ListStreams returns all streams, newest first.
func (s *Store) ListStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, *stream)
	}
	return streams, rows.Err()
}

// ActiveStreams returns streams whose status is active or paused, used for
// state rehydration after a restart.
func (s *Store) ActiveStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+streamColumns+`
		FROM streams
		WHERE status IN ($1, $2)
	`, models.StreamActive, models.StreamPaused)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, *stream)
	}
	return streams, rows.Err()
}

// UpdateStreamStatus sets a stream's status.
func (s *Store) UpdateStreamStatus(ctx context.Context, id string, status models.StreamStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireRow(res, id)
}

// UpdateStreamPreferences replaces a stream's preferences blob.
func (s *Store) UpdateStreamPreferences(ctx context.Context, id string, prefs *models.StreamPreferences) error {
	blob, err := marshalPreferences(prefs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET preferences = $2 WHERE id = $1
	`, id, blob)
	if err != nil {
		return fmt.Errorf("update stream preferences: %w", err)
	}
	return requireRow(res, id)
}

// EndStream marks a stream disconnected with its end time.
func (s *Store) EndStream(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE streams SET status = $2, ended_at = $3 WHERE id = $1
	`, id, models.StreamDisconnected, endedAt)
	if err != nil {
		return fmt.Errorf("end stream: %w", err)
	}
	return requireRow(res, id)
}

// DeleteStream removes a stream and, via cascade, its alerts and flags.
func (s *Store) DeleteStream(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM streams WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return requireRow(res, id)
}

// FlushStreamCounters writes the in-memory counters and ping time for one
// stream. Called periodically by the stream manager, not per frame.
func (s *Store) FlushStreamCounters(ctx context.Context, id string, frameCount, alertCount, framesDropped int64, lastPing time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE streams
		SET frame_count = $2, alert_count = $3, frames_dropped = $4, last_ping = $5
		WHERE id = $1
	`, id, frameCount, alertCount, framesDropped, lastPing)
	if err != nil {
		return fmt.Errorf("flush stream counters: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("stream %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func marshalPreferences(prefs *models.StreamPreferences) ([]byte, error) {
	if prefs == nil {
		return nil, nil
	}
	blob, err := json.Marshal(prefs)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	return blob, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (*models.Stream, error) {
	var (
		stream models.Stream
		prefs  []byte
	)
	err := row.Scan(&stream.ID, &stream.Name, &stream.UserID, &stream.Scenario,
		&stream.Status, &stream.StartedAt, &stream.EndedAt, &stream.FrameCount,
		&stream.AlertCount, &stream.FramesDropped, &stream.LastPing, &prefs)
	if err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		stream.Preferences = &models.StreamPreferences{}
		if err := json.Unmarshal(prefs, stream.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &stream, nil
}
