package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors exports admission outcomes to Prometheus. Unlike the snapshot
// accumulator these are cumulative and never reset.
type Collectors struct {
	Requests        *prometheus.CounterVec
	AbuseDetections prometheus.Counter
	GuardLatency    prometheus.Histogram
	Flushes         *prometheus.CounterVec
	Alerts          *prometheus.CounterVec
}

func NewCollectors(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_requests_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		AbuseDetections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_abuse_detections_total",
				Help: "Callers blocked by the abuse heuristic",
			},
		),
		GuardLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "admission_guard_latency_seconds",
				Help:    "Time spent deciding admission, excluding the upstream call",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
		),
		Flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_snapshot_flushes_total",
				Help: "Metric snapshot flushes by result",
			},
			[]string{"result"},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_alerts_total",
				Help: "Alert threshold breaches by type",
			},
			[]string{"type"},
		),
	}
}
