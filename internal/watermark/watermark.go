// Package watermark decides whether the feed carries new work by comparing
// the newest publication against the persisted watermark.
package watermark

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// Policy selects how the newest publication date is compared to the stored one.
type Policy string

const (
	// PolicyEquality reports no new work only when the dates are equal. Any
	// other date, including an earlier one, is new work and moves the
	// watermark, possibly backwards.
	PolicyEquality Policy = "equality"
	// PolicyOrdering reports new work only when the newest date is strictly
	// later than the stored one. A regression is ignored and not persisted.
	PolicyOrdering Policy = "ordering"
)

// ParsePolicy validates a configured policy name. Empty means PolicyEquality.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyEquality:
		return PolicyEquality, nil
	case PolicyOrdering:
		return PolicyOrdering, nil
	default:
		return "", fmt.Errorf("unknown watermark policy %q", raw)
	}
}

// Decision is the outcome of CheckAndAdvance.
type Decision struct {
	IsNew bool
	// Previous is the watermark read before any write; nil on the first run.
	Previous *twic.Watermark
	// Advanced is set when the stored watermark was overwritten.
	Advanced bool
}

// Tracker wraps a WatermarkStore with the comparison policy.
type Tracker struct {
	store  twic.WatermarkStore
	policy Policy
	clock  twic.Clock
	logger *zap.Logger
}

// NewTracker builds a Tracker. A nil clock uses the system clock.
func NewTracker(store twic.WatermarkStore, policy Policy, clock twic.Clock, logger *zap.Logger) *Tracker {
	if policy == "" {
		policy = PolicyEquality
	}
	if clock == nil {
		clock = twic.SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, policy: policy, clock: clock, logger: logger}
}

// Policy returns the comparison policy in effect.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Last returns the stored watermark, if any.
func (t *Tracker) Last(ctx context.Context) (twic.Watermark, bool, error) {
	wm, ok, err := t.store.Load(ctx)
	if err != nil {
		return twic.Watermark{}, false, &twic.PersistenceError{Op: "load", Err: err}
	}
	return wm, ok, nil
}

// CheckAndAdvance reads the watermark once, decides whether newest is new
// work, and writes newest back at most once.
func (t *Tracker) CheckAndAdvance(ctx context.Context, newest twic.Publication) (Decision, error) {
	decision, err := t.Evaluate(ctx, newest)
	if err != nil || !decision.IsNew {
		return decision, err
	}
	if prev := decision.Previous; prev != nil && newest.Published.Before(dateOnly(prev.LastDate)) {
		t.logger.Warn("newest publication is older than the watermark",
			zap.Int("newest_id", newest.ID),
			zap.Time("newest_date", newest.Published),
			zap.Int("last_id", prev.LastID),
			zap.Time("last_date", prev.LastDate),
		)
	}

	if err := t.store.Save(ctx, twic.FromPublication(newest, t.clock.Now())); err != nil {
		return Decision{}, &twic.PersistenceError{Op: "save", Err: err}
	}
	decision.Advanced = true
	return decision, nil
}

// Evaluate applies the policy without writing; dry runs use it directly.
func (t *Tracker) Evaluate(ctx context.Context, newest twic.Publication) (Decision, error) {
	prev, ok, err := t.Last(ctx)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{IsNew: true}
	if ok {
		decision.Previous = &prev
		decision.IsNew = t.isNew(newest.Published, prev.LastDate)
	}
	return decision, nil
}

func (t *Tracker) isNew(newest, last time.Time) bool {
	if t.policy == PolicyOrdering {
		return dateOnly(newest).After(dateOnly(last))
	}
	return !sameDay(newest, last)
}

func sameDay(a, b time.Time) bool {
	return dateOnly(a).Equal(dateOnly(b))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
