package watermark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/twic"
	"github.com/JakeFAU/twicsync/internal/watermark/memory"
)

var fixedNow = twic.ClockFunc(func() time.Time { return time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC) })

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCheckAndAdvanceFirstRun(t *testing.T) {
	t.Parallel()

	store := memory.New()
	tracker := NewTracker(store, PolicyEquality, fixedNow, zap.NewNop())

	decision, err := tracker.CheckAndAdvance(context.Background(), twic.Publication{ID: 1500, Published: day(2024, 1, 1)})
	require.NoError(t, err)
	assert.True(t, decision.IsNew)
	assert.True(t, decision.Advanced)
	assert.Nil(t, decision.Previous)

	wm, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1500, wm.LastID)
	assert.Equal(t, day(2024, 1, 1), wm.LastDate)
	assert.Equal(t, fixedNow.Now(), wm.UpdatedAt)
}

func TestCheckAndAdvanceEqualDateIsNotNew(t *testing.T) {
	t.Parallel()

	store := memory.NewWith(twic.Watermark{LastID: 1500, LastDate: day(2024, 1, 1)})
	tracker := NewTracker(store, PolicyEquality, fixedNow, nil)

	decision, err := tracker.CheckAndAdvance(context.Background(), twic.Publication{ID: 1500, Published: day(2024, 1, 1)})
	require.NoError(t, err)
	assert.False(t, decision.IsNew)
	assert.False(t, decision.Advanced)
	require.NotNil(t, decision.Previous)
	assert.Equal(t, 1500, decision.Previous.LastID)

	loads, saves := store.Counts()
	assert.Equal(t, 1, loads)
	assert.Zero(t, saves)
}

func TestCheckAndAdvanceEqualityPolicyAnyOtherDate(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		"later":   day(2024, 1, 8),
		"earlier": day(2023, 12, 25),
	}
	for name, published := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := memory.NewWith(twic.Watermark{LastID: 1500, LastDate: day(2024, 1, 1)})
			tracker := NewTracker(store, PolicyEquality, fixedNow, zap.NewNop())

			decision, err := tracker.CheckAndAdvance(context.Background(), twic.Publication{ID: 1499, Published: published})
			require.NoError(t, err)
			assert.True(t, decision.IsNew)
			assert.True(t, decision.Advanced)

			wm, _, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1499, wm.LastID)
			assert.Equal(t, published, wm.LastDate)
		})
	}
}

func TestCheckAndAdvanceOrderingPolicyIgnoresRegression(t *testing.T) {
	t.Parallel()

	store := memory.NewWith(twic.Watermark{LastID: 1500, LastDate: day(2024, 1, 1)})
	tracker := NewTracker(store, PolicyOrdering, fixedNow, zap.NewNop())

	decision, err := tracker.CheckAndAdvance(context.Background(), twic.Publication{ID: 1499, Published: day(2023, 12, 25)})
	require.NoError(t, err)
	assert.False(t, decision.IsNew)
	_, saves := store.Counts()
	assert.Zero(t, saves)

	decision, err = tracker.CheckAndAdvance(context.Background(), twic.Publication{ID: 1501, Published: day(2024, 1, 8)})
	require.NoError(t, err)
	assert.True(t, decision.IsNew)
	wm, _, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1501, wm.LastID)
}

func TestCheckAndAdvanceComparesCalendarDays(t *testing.T) {
	t.Parallel()

	store := memory.NewWith(twic.Watermark{LastID: 1500, LastDate: day(2024, 1, 1)})
	tracker := NewTracker(store, PolicyEquality, fixedNow, nil)

	decision, err := tracker.CheckAndAdvance(context.Background(), twic.Publication{
		ID:        1500,
		Published: time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("CET", 3600)),
	})
	require.NoError(t, err)
	assert.False(t, decision.IsNew)
}

type failingStore struct {
	loadErr error
	saveErr error
}

func (f failingStore) Load(context.Context) (twic.Watermark, bool, error) {
	return twic.Watermark{}, false, f.loadErr
}

func (f failingStore) Save(context.Context, twic.Watermark) error {
	return f.saveErr
}

func (f failingStore) Close() error {
	return nil
}

func TestCheckAndAdvancePersistenceErrors(t *testing.T) {
	t.Parallel()

	newest := twic.Publication{ID: 1, Published: day(2024, 1, 1)}

	_, err := NewTracker(failingStore{loadErr: errors.New("locked")}, "", nil, nil).CheckAndAdvance(context.Background(), newest)
	var persistErr *twic.PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "load", persistErr.Op)

	_, err = NewTracker(failingStore{saveErr: errors.New("readonly")}, "", nil, nil).CheckAndAdvance(context.Background(), newest)
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, "save", persistErr.Op)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyEquality, p)

	p, err = ParsePolicy(" Ordering ")
	require.NoError(t, err)
	assert.Equal(t, PolicyOrdering, p)

	_, err = ParsePolicy("newest")
	require.Error(t, err)
}

func TestEvaluateNeverWrites(t *testing.T) {
	t.Parallel()

	store := memory.NewWith(twic.Watermark{LastID: 1499, LastDate: day(2023, 12, 25)})
	tracker := NewTracker(store, PolicyEquality, fixedNow, nil)

	decision, err := tracker.Evaluate(context.Background(), twic.Publication{ID: 1500, Published: day(2024, 1, 1)})
	require.NoError(t, err)
	assert.True(t, decision.IsNew)
	assert.False(t, decision.Advanced)

	_, saves := store.Counts()
	assert.Zero(t, saves)
}
