package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jddunn/safeos/pkg/database"
	"github.com/jddunn/safeos/pkg/logging"
)

//go:embed schema.sql
var schemaSQL string

// Store provides persistence for streams, alerts, content flags, review
// items, subscriptions, profiles, and the ban list. No business logic lives
// here; callers own ordering and side effects.
type Store struct {
	db     database.PostgresConn
	logger logging.Logger
}

// New creates a Store over an open Postgres connection.
func New(db database.PostgresConn, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying connection for health checks.
func (s *Store) DB() database.PostgresConn {
	return s.db
}

// ApplySchema creates the tables and indexes if they do not exist.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
