// Package sqlite_test contains unit tests for the sqlite watermark store.
package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/twicsync/internal/twic"
	"github.com/JakeFAU/twicsync/internal/watermark/sqlite"
)

func TestStoreRoundTripSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", sqlite.DefaultPath)

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no watermark")

	wm := twic.Watermark{
		LastID:    1500,
		LastDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 1, 2, 8, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, wm))
	require.NoError(t, store.Close())

	reopened, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, ok, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, wm.LastID, got.LastID)
	assert.True(t, wm.LastDate.Equal(got.LastDate))
	assert.True(t, wm.UpdatedAt.Equal(got.UpdatedAt))

	wm.LastID = 1501
	wm.LastDate = wm.LastDate.AddDate(0, 0, 7)
	require.NoError(t, reopened.Save(ctx, wm))
	got, _, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1501, got.LastID)
}

func TestStoreLoadQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck

	store := sqlite.Store{DB: sqlx.NewDb(mockDB, "sqlmock")}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, value FROM saved_data WHERE key IN (?, ?, ?)`)).
		WithArgs(sqlite.KeyLastID, sqlite.KeyLastDate, sqlite.KeyUpdatedAt).
		WillReturnError(errors.New("disk I/O error"))

	_, _, err = store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreLoadCorruptValue(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck

	store := sqlite.Store{DB: sqlx.NewDb(mockDB, "sqlmock")}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, value FROM saved_data`)).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow(sqlite.KeyLastID, "not-a-number").
			AddRow(sqlite.KeyLastDate, "2024-01-01"))

	_, _, err = store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), sqlite.KeyLastID)
}

func TestStoreSaveRollsBackOnError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close() //nolint:errcheck

	store := sqlite.Store{DB: sqlx.NewDb(mockDB, "sqlmock")}
	upsert := regexp.QuoteMeta(`INSERT INTO saved_data (key, value) VALUES (?, ?)`)
	mock.ExpectBegin()
	mock.ExpectExec(upsert).WithArgs(sqlite.KeyLastID, "1500").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(upsert).WithArgs(sqlite.KeyLastDate, "2024-01-01").WillReturnError(errors.New("readonly database"))
	mock.ExpectRollback()

	err = store.Save(context.Background(), twic.Watermark{
		LastID:   1500,
		LastDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly database")
	assert.NoError(t, mock.ExpectationsWereMet())
}
