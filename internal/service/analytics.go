package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
)

const snapshotPrefix = "metrics:snapshot:"

// SnapshotArchive is the optional long-term copy of flushed snapshots.
type SnapshotArchive interface {
	Create(ctx context.Context, snapshot *models.MetricSnapshot) error
	FindRange(ctx context.Context, from, to time.Time) ([]models.MetricSnapshot, error)
	Totals(ctx context.Context, from, to time.Time) (models.MetricSnapshot, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CurrentMetrics is a point-in-time view of the unflushed interval.
type CurrentMetrics struct {
	Since                 time.Time `json:"since"`
	TotalRequests         int64     `json:"total_requests"`
	BlockedRequests       int64     `json:"blocked_requests"`
	BlockedPercentage     float64   `json:"blocked_percentage"`
	UniqueIdentifiers     int       `json:"unique_identifiers"`
	AbuseDetections       int64     `json:"abuse_detections"`
	AverageResponseTimeMs float64   `json:"average_response_time_ms"`
}

type accumulator struct {
	since           time.Time
	total           int64
	blocked         int64
	identifiers     map[string]struct{}
	abuseDetections int64
	latencySum      time.Duration
	latencyCount    int64
}

func newAccumulator(since time.Time) *accumulator {
	return &accumulator{since: since, identifiers: make(map[string]struct{})}
}

func (a *accumulator) averageMs() float64 {
	if a.latencyCount == 0 {
		return 0
	}
	return float64(a.latencySum) / float64(a.latencyCount) / float64(time.Millisecond)
}

// merge folds an older accumulator back in after a failed flush.
func (a *accumulator) merge(old *accumulator) {
	if old.since.Before(a.since) {
		a.since = old.since
	}
	a.total += old.total
	a.blocked += old.blocked
	a.abuseDetections += old.abuseDetections
	a.latencySum += old.latencySum
	a.latencyCount += old.latencyCount
	for id := range old.identifiers {
		a.identifiers[id] = struct{}{}
	}
}

// MetricsAggregator accumulates admission outcomes in process and flushes
// them as MetricSnapshots on a timer. Between flushes the numbers are local to
// this instance.
type MetricsAggregator struct {
	kv         storage.KV
	cfg        config.MetricsConfig
	archive    SnapshotArchive
	sink       AlertSink
	collectors *Collectors
	now        func() time.Time

	mu  sync.Mutex
	acc *accumulator

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type AggregatorOption func(*MetricsAggregator)

func WithArchive(a SnapshotArchive) AggregatorOption {
	return func(m *MetricsAggregator) { m.archive = a }
}

func WithAlertSink(s AlertSink) AggregatorOption {
	return func(m *MetricsAggregator) { m.sink = s }
}

func WithCollectors(c *Collectors) AggregatorOption {
	return func(m *MetricsAggregator) { m.collectors = c }
}

func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(m *MetricsAggregator) { m.now = now }
}

func NewMetricsAggregator(kv storage.KV, cfg config.MetricsConfig, opts ...AggregatorOption) *MetricsAggregator {
	m := &MetricsAggregator{
		kv:   kv,
		cfg:  cfg,
		sink: LogAlertSink{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.acc = newAccumulator(m.now())
	return m
}

// RecordRequest observes one terminal admission decision.
func (m *MetricsAggregator) RecordRequest(identifier string, blocked bool, latency time.Duration) {
	m.mu.Lock()
	m.acc.total++
	if blocked {
		m.acc.blocked++
	}
	m.acc.identifiers[identifier] = struct{}{}
	m.acc.latencySum += latency
	m.acc.latencyCount++
	m.mu.Unlock()

	if m.collectors != nil {
		outcome := "admitted"
		if blocked {
			outcome = "denied"
		}
		m.collectors.Requests.WithLabelValues(outcome).Inc()
		m.collectors.GuardLatency.Observe(latency.Seconds())
	}
}

func (m *MetricsAggregator) RecordAbuseDetection(identifier string) {
	m.mu.Lock()
	m.acc.abuseDetections++
	m.acc.identifiers[identifier] = struct{}{}
	m.mu.Unlock()

	if m.collectors != nil {
		m.collectors.AbuseDetections.Inc()
	}
}

func (m *MetricsAggregator) GetMetrics() CurrentMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := CurrentMetrics{
		Since:                 m.acc.since,
		TotalRequests:         m.acc.total,
		BlockedRequests:       m.acc.blocked,
		UniqueIdentifiers:     len(m.acc.identifiers),
		AbuseDetections:       m.acc.abuseDetections,
		AverageResponseTimeMs: m.acc.averageMs(),
	}
	if cur.TotalRequests > 0 {
		cur.BlockedPercentage = float64(cur.BlockedRequests) / float64(cur.TotalRequests) * 100
	}
	return cur
}

// Flush turns the current interval into a snapshot, persists it and checks
// the alert thresholds. If the snapshot cannot be stored the interval is
// folded back into the accumulator and retried on the next flush.
func (m *MetricsAggregator) Flush(ctx context.Context) (*models.MetricSnapshot, error) {
	now := m.now()

	m.mu.Lock()
	acc := m.acc
	m.acc = newAccumulator(now)
	m.mu.Unlock()

	snapshot := &models.MetricSnapshot{
		Timestamp:             now.UTC(),
		TotalRequests:         acc.total,
		BlockedRequests:       acc.blocked,
		UniqueIdentifiers:     len(acc.identifiers),
		AbuseDetections:       acc.abuseDetections,
		AverageResponseTimeMs: acc.averageMs(),
	}

	if err := m.persist(ctx, snapshot); err != nil {
		m.mu.Lock()
		m.acc.merge(acc)
		m.mu.Unlock()

		m.countFlush("failure")
		return nil, err
	}
	m.countFlush("success")

	if m.archive != nil {
		if err := m.archive.Create(ctx, snapshot); err != nil {
			logger.Warn("failed to archive metric snapshot",
				logger.Err(err),
			)
		}
	}

	m.evaluateAlerts(ctx, *snapshot)

	logger.Info("metric snapshot flushed",
		logger.Int64("total_requests", snapshot.TotalRequests),
		logger.Int64("blocked_requests", snapshot.BlockedRequests),
		logger.Int("unique_identifiers", snapshot.UniqueIdentifiers),
		logger.Int64("abuse_detections", snapshot.AbuseDetections),
		logger.Any("average_response_time_ms", snapshot.AverageResponseTimeMs),
	)
	return snapshot, nil
}

func (m *MetricsAggregator) persist(ctx context.Context, snapshot *models.MetricSnapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := m.kv.Set(ctx, snapshotKey(snapshot.Timestamp), string(raw), m.cfg.Retention()); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

func (m *MetricsAggregator) evaluateAlerts(ctx context.Context, snapshot models.MetricSnapshot) {
	var alerts []Alert

	if pct := snapshot.BlockedPercentage(); snapshot.TotalRequests > 0 && pct > m.cfg.BlockedPercentageThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertHighBlockRate,
			Message:   fmt.Sprintf("High block rate detected: %.2f%%", pct),
			Value:     pct,
			Threshold: m.cfg.BlockedPercentageThreshold,
		})
	}
	if snapshot.AbuseDetections > m.cfg.AbuseDetectionsThreshold {
		alerts = append(alerts, Alert{
			Type:      AlertAbuseSpike,
			Message:   fmt.Sprintf("High abuse detection count: %d", snapshot.AbuseDetections),
			Value:     float64(snapshot.AbuseDetections),
			Threshold: float64(m.cfg.AbuseDetectionsThreshold),
		})
	}

	for _, alert := range alerts {
		alert.At = snapshot.Timestamp
		alert.Snapshot = snapshot
		if m.collectors != nil {
			m.collectors.Alerts.WithLabelValues(alert.Type).Inc()
		}
		if err := m.sink.Send(ctx, alert); err != nil {
			logger.Warn("failed to deliver alert",
				logger.String("alert", alert.Type),
				logger.Err(err),
			)
		}
	}
}

// Cleanup removes snapshots older than the retention window from the store
// and the archive.
func (m *MetricsAggregator) Cleanup(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.cfg.Retention())

	keys, err := m.kv.Keys(ctx, snapshotPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var stale []string
	for _, key := range keys {
		ts, ok := parseSnapshotKey(key)
		if ok && ts.Before(cutoff) {
			stale = append(stale, key)
		}
	}

	var removed int64
	if len(stale) > 0 {
		if err := m.kv.Del(ctx, stale...); err != nil {
			return 0, fmt.Errorf("failed to delete snapshots: %w", err)
		}
		removed = int64(len(stale))
	}

	if m.archive != nil {
		n, err := m.archive.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to prune snapshot archive: %w", err)
		}
		removed += n
	}
	return removed, nil
}

// GetHistoricalMetrics returns the snapshots of the last hours in
// chronological order. The archive answers when the store cannot.
func (m *MetricsAggregator) GetHistoricalMetrics(ctx context.Context, hours int) ([]models.MetricSnapshot, error) {
	if hours <= 0 {
		hours = 24
	}
	now := m.now()
	from := now.Add(-time.Duration(hours) * time.Hour)

	snapshots, err := m.fromStore(ctx, from)
	if err != nil {
		if m.archive == nil {
			return nil, err
		}
		logger.Warn("snapshot store unavailable, reading archive", logger.Err(err))
		return m.archive.FindRange(ctx, from, now)
	}
	return snapshots, nil
}

// GetArchiveTotals sums the archived counters of the last hours. It returns
// nil when no archive is configured.
func (m *MetricsAggregator) GetArchiveTotals(ctx context.Context, hours int) (*models.MetricSnapshot, error) {
	if m.archive == nil {
		return nil, nil
	}
	if hours <= 0 {
		hours = 24
	}
	now := m.now()
	totals, err := m.archive.Totals(ctx, now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		return nil, fmt.Errorf("failed to sum snapshot archive: %w", err)
	}
	return &totals, nil
}

func (m *MetricsAggregator) fromStore(ctx context.Context, from time.Time) ([]models.MetricSnapshot, error) {
	keys, err := m.kv.Keys(ctx, snapshotPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snapshots := make([]models.MetricSnapshot, 0, len(keys))
	for _, key := range keys {
		ts, ok := parseSnapshotKey(key)
		if !ok || ts.Before(from) {
			continue
		}

		raw, err := m.kv.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
		}

		var s models.MetricSnapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			logger.Warn("skipping corrupt snapshot", logger.String("key", key), logger.Err(err))
			continue
		}
		snapshots = append(snapshots, s)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})
	return snapshots, nil
}

// Start runs the flush and cleanup timers until Stop is called or ctx ends.
func (m *MetricsAggregator) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(2)
	go m.loop(ctx, m.cfg.FlushInterval, "flush", func(ctx context.Context) error {
		_, err := m.Flush(ctx)
		return err
	})
	go m.loop(ctx, m.cfg.CleanupInterval, "cleanup", func(ctx context.Context) error {
		n, err := m.Cleanup(ctx)
		if err == nil && n > 0 {
			logger.Info("old metric snapshots removed", logger.Int64("count", n))
		}
		return err
	})

	logger.Info("metrics aggregator started",
		logger.Duration("flush_interval", m.cfg.FlushInterval),
		logger.Duration("cleanup_interval", m.cfg.CleanupInterval),
	)
}

// Stop halts the timers and flushes what is left of the current interval.
func (m *MetricsAggregator) Stop() {
	m.lifecycle.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.runTask("flush", func(ctx context.Context) error {
		_, err := m.Flush(ctx)
		return err
	})
	logger.Info("metrics aggregator stopped")
}

func (m *MetricsAggregator) loop(ctx context.Context, every time.Duration, name string, task func(context.Context) error) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runTask(name, task)
		}
	}
}

// runTask isolates a periodic task: it is time-bounded and a panic is logged
// instead of taking the process down.
func (m *MetricsAggregator) runTask(name string, task func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("metrics task panicked",
				logger.String("task", name),
				logger.Any("panic", r),
			)
		}
	}()

	timeout := m.cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := task(ctx); err != nil {
		logger.Error("metrics task failed",
			logger.String("task", name),
			logger.Err(err),
		)
	}
}

func (m *MetricsAggregator) countFlush(result string) {
	if m.collectors != nil {
		m.collectors.Flushes.WithLabelValues(result).Inc()
	}
}

func snapshotKey(ts time.Time) string {
	return snapshotPrefix + strconv.FormatInt(ts.UnixMilli(), 10)
}

func parseSnapshotKey(key string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimPrefix(key, snapshotPrefix), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}
