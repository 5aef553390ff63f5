// Package local implements an on-disk HTTP response cache.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config captures the parameters for the filesystem cache.
type Config struct {
	// BaseDir is the root directory where cached responses are stored.
	BaseDir string
}

// Entry is one cached response.
type Entry struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
	Body       []byte      `json:"-"`
}

// Store keeps response bodies and metadata side by side, keyed by the
// SHA-256 of the request URL.
type Store struct {
	baseDir string
}

// New creates the cache directory if needed. An existing directory is left
// untouched; write failures surface from Put.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &Store{baseDir: cfg.BaseDir}, nil
}

// Key returns the hex digest used to name the cache files for url.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get loads the entry for url. ok is false on a cache miss.
func (s *Store) Get(ctx context.Context, url string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("context canceled: %w", err)
	}
	bodyPath, metaPath := s.paths(url)
	// #nosec G304 -- paths are derived from a hex digest inside baseDir.
	meta, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cache metadata %s: %w", metaPath, err)
	}
	var entry Entry
	if err := json.Unmarshal(meta, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache metadata %s: %w", metaPath, err)
	}
	// #nosec G304 -- see above.
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("read cache body %s: %w", bodyPath, err)
	}
	entry.Body = body
	return entry, true, nil
}

// Put writes the entry. The body is written before the metadata so a
// partially written entry reads as a miss.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	if strings.TrimSpace(entry.URL) == "" {
		return fmt.Errorf("url is required")
	}
	bodyPath, metaPath := s.paths(entry.URL)
	_ = os.Remove(metaPath)
	if err := os.WriteFile(bodyPath, entry.Body, 0o600); err != nil {
		return fmt.Errorf("write cache body %s: %w", bodyPath, err)
	}
	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, payload, 0o600); err != nil {
		return fmt.Errorf("write cache metadata %s: %w", metaPath, err)
	}
	return nil
}

func (s *Store) paths(url string) (string, string) {
	key := Key(url)
	return filepath.Join(s.baseDir, key+".body"), filepath.Join(s.baseDir, key+".json")
}
