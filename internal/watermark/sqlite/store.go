// Package sqlite persists the watermark in a single-file SQLite key/value table.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/JakeFAU/twicsync/internal/twic"
)

// DefaultPath is the state file name used by earlier releases of the downloader.
const DefaultPath = "twic_downloader_saveddata.sqlite"

// Keys stored in the saved_data table.
const (
	KeyLastID    = "last_download_id"
	KeyLastDate  = "last_download_date"
	KeyUpdatedAt = "updated_at"
)

const schema = `
CREATE TABLE IF NOT EXISTS saved_data (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

const (
	selectQuery = `SELECT key, value FROM saved_data WHERE key IN (?, ?, ?)`
	upsertQuery = `INSERT INTO saved_data (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// Store implements twic.WatermarkStore on top of sqlx.
type Store struct {
	DB *sqlx.DB
}

var _ twic.WatermarkStore = (*Store)(nil)

type kv struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Open connects to the database file at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// One writer, one connection; avoids SQLITE_BUSY from the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{DB: db}, nil
}

// Load reads the watermark keys. A missing id or date is reported as absent.
func (s *Store) Load(ctx context.Context) (twic.Watermark, bool, error) {
	var rows []kv
	if err := s.DB.SelectContext(ctx, &rows, selectQuery, KeyLastID, KeyLastDate, KeyUpdatedAt); err != nil {
		return twic.Watermark{}, false, fmt.Errorf("failed to select watermark: %w", err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	rawID, okID := values[KeyLastID]
	rawDate, okDate := values[KeyLastDate]
	if !okID || !okDate {
		return twic.Watermark{}, false, nil
	}

	var (
		wm  twic.Watermark
		err error
	)
	if wm.LastID, err = strconv.Atoi(rawID); err != nil {
		return twic.Watermark{}, false, fmt.Errorf("decode %s %q: %w", KeyLastID, rawID, err)
	}
	if wm.LastDate, err = time.Parse(time.DateOnly, rawDate); err != nil {
		return twic.Watermark{}, false, fmt.Errorf("decode %s %q: %w", KeyLastDate, rawDate, err)
	}
	if raw, ok := values[KeyUpdatedAt]; ok {
		if wm.UpdatedAt, err = time.Parse(time.RFC3339, raw); err != nil {
			return twic.Watermark{}, false, fmt.Errorf("decode %s %q: %w", KeyUpdatedAt, raw, err)
		}
	}
	return wm, true, nil
}

// Save upserts every watermark key in one transaction.
func (s *Store) Save(ctx context.Context, wm twic.Watermark) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	pairs := []kv{
		{Key: KeyLastID, Value: strconv.Itoa(wm.LastID)},
		{Key: KeyLastDate, Value: wm.LastDate.Format(time.DateOnly)},
		{Key: KeyUpdatedAt, Value: wm.UpdatedAt.UTC().Format(time.RFC3339)},
	}
	for _, p := range pairs {
		if _, err := tx.ExecContext(ctx, upsertQuery, p.Key, p.Value); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("failed to upsert %s: %w (rollback: %v)", p.Key, err, rbErr)
			}
			return fmt.Errorf("failed to upsert %s: %w", p.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit watermark: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite: %w", err)
	}
	return nil
}
