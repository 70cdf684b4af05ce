package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sleepwatch/common/config"
	"sleepwatch/common/database"
	"sleepwatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSQLiteRepo(t *testing.T, deviceID string) *SQLiteSessionRepository {
	t.Helper()
	db, err := database.NewSQLiteDB(&config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "sessions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo, err := NewSQLiteSessionRepository(db, deviceID, zap.NewNop())
	require.NoError(t, err)
	return repo
}

func closedSession(id string, bed time.Time, d time.Duration, quality int) *models.SleepSession {
	wake := bed.Add(d)
	return &models.SleepSession{
		ID:             id,
		Bedtime:        bed,
		WakeTime:       &wake,
		DurationMs:     d.Milliseconds(),
		QualityPercent: quality,
		Confidence:     0.9,
		CreatedAt:      bed,
		UpdatedAt:      wake,
	}
}

func TestSQLiteSaveAndGet(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 123, time.UTC)

	session := closedSession("s-1", bed, 8*time.Hour, 95)
	session.Notes = "quiet night"
	require.NoError(t, repo.Save(ctx, session))

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", got.DeviceID)
	assert.True(t, bed.Equal(got.Bedtime))
	require.NotNil(t, got.WakeTime)
	assert.True(t, session.WakeTime.Equal(*got.WakeTime))
	assert.Equal(t, int64(28800000), got.DurationMs)
	assert.Equal(t, 95, got.QualityPercent)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, "quiet night", got.Notes)
	assert.False(t, got.IsManual)
}

func TestSQLiteGet_NotFound(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")

	_, err := repo.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSQLiteSave_IdempotentUpsert(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	open := &models.SleepSession{ID: "s-1", Bedtime: bed, Confidence: 0.81, CreatedAt: bed, UpdatedAt: bed}
	require.NoError(t, repo.Save(ctx, open))
	require.NoError(t, repo.Save(ctx, open))

	finished := closedSession("s-1", bed, 7*time.Hour, 88)
	require.NoError(t, repo.Save(ctx, finished))
	require.NoError(t, repo.Save(ctx, finished))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsOpen())
	assert.Equal(t, 88, all[0].QualityPercent)
}

func TestSQLiteSave_FinalizedNeverOverwritten(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, closedSession("s-1", bed, 7*time.Hour, 88)))
	require.NoError(t, repo.Save(ctx, closedSession("s-1", bed, 2*time.Hour, 10)))

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, (7 * time.Hour).Milliseconds(), got.DurationMs)
	assert.Equal(t, 88, got.QualityPercent)
}

func TestSQLiteListOrderingAndSince(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)

	// 同一秒内的纳秒差异也必须保持顺序
	require.NoError(t, repo.Save(ctx, closedSession("a", day, 8*time.Hour, 90)))
	require.NoError(t, repo.Save(ctx, closedSession("b", day.Add(500*time.Millisecond), 8*time.Hour, 90)))
	require.NoError(t, repo.Save(ctx, closedSession("c", day.Add(48*time.Hour), 8*time.Hour, 90)))

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	since, err := repo.ListSince(ctx, day.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "c", since[0].ID)
}

func TestSQLiteFindOpenAndClearAll(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	open, err := repo.FindOpen(ctx)
	require.NoError(t, err)
	assert.Nil(t, open)

	require.NoError(t, repo.Save(ctx, closedSession("done", bed.Add(-24*time.Hour), 8*time.Hour, 90)))
	require.NoError(t, repo.Save(ctx, &models.SleepSession{ID: "open", Bedtime: bed, Confidence: 0.8}))

	open, err = repo.FindOpen(ctx)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "open", open.ID)

	require.NoError(t, repo.ClearAll(ctx))
	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLite_DeviceIsolation(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	other := &SQLiteSessionRepository{db: repo.db, deviceID: "device-2", logger: zap.NewNop()}
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, closedSession("s-1", bed, 8*time.Hour, 90)))

	all, err := other.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = other.Get(ctx, "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSQLite_MalformedRowSkipped(t *testing.T) {
	repo := setupSQLiteRepo(t, "device-1")
	ctx := context.Background()
	bed := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Save(ctx, closedSession("good", bed, 8*time.Hour, 90)))
	_, err := repo.db.Exec(`INSERT INTO sleep_sessions (id, device_id, bedtime, created_at, updated_at)
		VALUES ('bad', 'device-1', 'yesterday-ish', 'x', 'y')`)
	require.NoError(t, err)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)
}
