// Package store owns durable state: the Postgres schema and the
// repositories the core components call. Cross-entity cascades live in the
// schema (ON DELETE CASCADE), not in application code.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/config"
	"github.com/axiona25/securechat-sub000/internal/metrics"
)

// Sentinel errors shared by every repository.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrConflict  = errors.New("store: conflict")
	ErrForbidden = errors.New("store: forbidden")
)

// Store wraps the database handle and groups the repositories.
type Store struct {
	db      *sqlx.DB
	metrics *metrics.Registry
	logger  zerolog.Logger
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, m *metrics.Registry, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	s := &Store{db: db, metrics: m, logger: logger.With().Str("component", "store").Logger()}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// observe records one operation's latency.
func (s *Store) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.DBLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// wrapNotFound translates sql.ErrNoRows into the package sentinel.
func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
