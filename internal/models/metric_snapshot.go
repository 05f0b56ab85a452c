package models

import "time"

// MetricSnapshot is one flushed interval of admission analytics.
// Immutable once written.
type MetricSnapshot struct {
	ID                    uint      `gorm:"primaryKey" json:"-"`
	Timestamp             time.Time `gorm:"uniqueIndex;not null" json:"timestamp"`
	TotalRequests         int64     `gorm:"not null" json:"total_requests"`
	BlockedRequests       int64     `gorm:"not null" json:"blocked_requests"`
	UniqueIdentifiers     int       `gorm:"not null" json:"unique_identifiers"`
	AbuseDetections       int64     `gorm:"not null" json:"abuse_detections"`
	AverageResponseTimeMs float64   `gorm:"not null" json:"average_response_time_ms"`
}

func (MetricSnapshot) TableName() string {
	return "metric_snapshots"
}

// BlockedPercentage is blocked/total as a percentage, 0 when nothing was seen.
func (s MetricSnapshot) BlockedPercentage() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.BlockedRequests) / float64(s.TotalRequests) * 100
}
