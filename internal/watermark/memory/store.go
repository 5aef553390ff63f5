// Package memory keeps the watermark in process memory for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// Store implements twic.WatermarkStore in memory.
type Store struct {
	mu    sync.Mutex
	wm    *twic.Watermark
	loads int
	saves int
}

var _ twic.WatermarkStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// NewWith returns a Store seeded with wm.
func NewWith(wm twic.Watermark) *Store {
	return &Store{wm: &wm}
}

// Load returns the current watermark.
func (s *Store) Load(context.Context) (twic.Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.wm == nil {
		return twic.Watermark{}, false, nil
	}
	return *s.wm, true, nil
}

// Save replaces the watermark.
func (s *Store) Save(_ context.Context, wm twic.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.wm = &wm
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Counts reports how many loads and saves were performed.
func (s *Store) Counts() (loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads, s.saves
}
