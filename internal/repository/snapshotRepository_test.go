package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T) *SnapshotRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "snapshots.db")), &gorm.Config{})
	require.NoError(t, err)

	pg := storage.NewPostgresFromDB(db)
	require.NoError(t, pg.AutoMigrate())
	t.Cleanup(func() { _ = pg.Close() })

	return NewSnapshotRepository(pg)
}

func TestSnapshotRepository_CreateAndFindRange(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 3; i >= 0; i-- {
		require.NoError(t, repo.Create(ctx, &models.MetricSnapshot{
			Timestamp:       base.Add(time.Duration(i) * time.Hour),
			TotalRequests:   int64(100 * (i + 1)),
			BlockedRequests: int64(i),
		}))
	}

	got, err := repo.FindRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.Equal(base.Add(time.Hour)))
	assert.True(t, got[2].Timestamp.Equal(base.Add(3*time.Hour)))
	assert.Equal(t, int64(200), got[0].TotalRequests)
}

func TestSnapshotRepository_Totals(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &models.MetricSnapshot{
			Timestamp:       base.Add(time.Duration(i) * 5 * time.Minute),
			TotalRequests:   10,
			BlockedRequests: 2,
			AbuseDetections: 1,
		}))
	}

	totals, err := repo.Totals(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(30), totals.TotalRequests)
	assert.Equal(t, int64(6), totals.BlockedRequests)
	assert.Equal(t, int64(3), totals.AbuseDetections)

	empty, err := repo.Totals(ctx, base.Add(24*time.Hour), base.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalRequests)
}

func TestSnapshotRepository_DeleteOlderThan(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, &models.MetricSnapshot{Timestamp: base.AddDate(0, 0, i)}))
	}

	n, err := repo.DeleteOlderThan(ctx, base.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := repo.FindRange(ctx, base, base.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
