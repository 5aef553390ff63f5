// Package postgres persists the watermark in PostgreSQL so several hosts can
// share one sync state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// Schema creates the single-row watermark table.
const Schema = `
CREATE TABLE IF NOT EXISTS twic_watermark (
  id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  last_id INTEGER NOT NULL,
  last_date DATE NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`

const (
	selectQuery = `SELECT last_id, last_date, updated_at FROM twic_watermark WHERE id = 1`
	upsertQuery = `INSERT INTO twic_watermark (id, last_id, last_date, updated_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE SET last_id = EXCLUDED.last_id, last_date = EXCLUDED.last_date, updated_at = EXCLUDED.updated_at`
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements twic.WatermarkStore against PostgreSQL.
type Store struct {
	pool Pool
}

var _ twic.WatermarkStore = (*Store)(nil)

// Open connects with dsn, pings, and ensures the table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	store, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool and applies the schema.
func New(ctx context.Context, pool Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load reads the watermark row.
func (s *Store) Load(ctx context.Context) (twic.Watermark, bool, error) {
	var wm twic.Watermark
	err := s.pool.QueryRow(ctx, selectQuery).Scan(&wm.LastID, &wm.LastDate, &wm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return twic.Watermark{}, false, nil
	}
	if err != nil {
		return twic.Watermark{}, false, fmt.Errorf("failed to select watermark: %w", err)
	}
	wm.LastDate = wm.LastDate.UTC()
	wm.UpdatedAt = wm.UpdatedAt.UTC()
	return wm, true, nil
}

// Save upserts the watermark row.
func (s *Store) Save(ctx context.Context, wm twic.Watermark) error {
	date := wm.LastDate.UTC().Truncate(24 * time.Hour)
	if _, err := s.pool.Exec(ctx, upsertQuery, wm.LastID, date, wm.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert watermark: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
