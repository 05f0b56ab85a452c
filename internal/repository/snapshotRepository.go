package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

type SnapshotRepository struct {
	db *storage.Postgres
}

func NewSnapshotRepository(db *storage.Postgres) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Inserts a flushed snapshot
func (r *SnapshotRepository) Create(ctx context.Context, snapshot *models.MetricSnapshot) error {
	return r.db.DB.WithContext(ctx).Create(snapshot).Error
}

// Retrieves snapshots within a time range, oldest first
func (r *SnapshotRepository) FindRange(ctx context.Context, from, to time.Time) ([]models.MetricSnapshot, error) {
	var snapshots []models.MetricSnapshot

	err := r.db.DB.WithContext(ctx).
		Where("timestamp BETWEEN ? AND ?", from, to).
		Order("timestamp ASC").
		Find(&snapshots).Error

	return snapshots, err
}

// Sums the archived counters over a time range
func (r *SnapshotRepository) Totals(ctx context.Context, from, to time.Time) (models.MetricSnapshot, error) {
	var totals models.MetricSnapshot

	err := r.db.DB.WithContext(ctx).
		Model(&models.MetricSnapshot{}).
		Select("COALESCE(SUM(total_requests), 0) AS total_requests, "+
			"COALESCE(SUM(blocked_requests), 0) AS blocked_requests, "+
			"COALESCE(SUM(abuse_detections), 0) AS abuse_detections").
		Where("timestamp BETWEEN ? AND ?", from, to).
		Scan(&totals).Error

	return totals, err
}

// Deletes snapshots older than the specified time
func (r *SnapshotRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.DB.WithContext(ctx).
		Where("timestamp < ?", before).
		Delete(&models.MetricSnapshot{})

	return result.RowsAffected, result.Error
}
