package service

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
)

const (
	AlertHighBlockRate = "high_block_rate"
	AlertAbuseSpike    = "abuse_spike"
)

// Alert is a threshold breach found while flushing a snapshot. Alerts are
// informational; nothing is remediated automatically.
type Alert struct {
	Type      string                `json:"type"`
	Message   string                `json:"message"`
	Value     float64               `json:"value"`
	Threshold float64               `json:"threshold"`
	At        time.Time             `json:"at"`
	Snapshot  models.MetricSnapshot `json:"snapshot"`
}

type AlertSink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogAlertSink writes alerts to the process log at warn level.
type LogAlertSink struct{}

func (LogAlertSink) Send(_ context.Context, alert Alert) error {
	logger.Warn(alert.Message,
		logger.String("alert", alert.Type),
		logger.Any("value", alert.Value),
		logger.Any("threshold", alert.Threshold),
		logger.Int64("total_requests", alert.Snapshot.TotalRequests),
		logger.Int64("blocked_requests", alert.Snapshot.BlockedRequests),
		logger.Int64("abuse_detections", alert.Snapshot.AbuseDetections),
	)
	return nil
}

// MultiSink fans an alert out to every sink and joins their errors.
type MultiSink []AlertSink

func (m MultiSink) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
