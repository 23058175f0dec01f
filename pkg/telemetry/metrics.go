package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/openfroyo/teamsync/pkg/engine"
)

// Metrics collects Prometheus metrics of a sync run. It implements
// engine.Recorder.
type Metrics struct {
	config MetricsConfig

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	errors     *prometheus.CounterVec

	serviceStatus *prometheus.GaugeVec
	plannedOps    *prometheus.GaugeVec
	lastRun       prometheus.Gauge

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "operations_total",
				Help:      "Total number of executed operations by outcome",
			},
			[]string{"service", "kind", "type", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation execution in seconds, retries included",
				Buckets:   buckets,
			},
			[]string{"service", "kind"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "operation_retries_total",
				Help:      "Total number of operation retries",
			},
			[]string{"service", "kind"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_total",
				Help:      "Total number of errors by class",
			},
			[]string{"service", "class"},
		),
		serviceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "service_status",
				Help:      "Outcome of the last run per service (1 for the current status)",
			},
			[]string{"service", "status"},
		),
		plannedOps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "planned_operations",
				Help:      "Number of operations in the last plan per service",
			},
			[]string{"service", "type"},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "last_run_timestamp_seconds",
				Help:      "Completion time of the last run",
			},
		),
	}

	m.registry.MustRegister(
		m.operations,
		m.duration,
		m.retries,
		m.errors,
		m.serviceStatus,
		m.plannedOps,
		m.lastRun,
	)
	return m
}

// OperationCompleted implements engine.Recorder.
func (m *Metrics) OperationCompleted(service string, kind engine.Kind, op engine.OperationType, outcome engine.OutcomeStatus, d time.Duration) {
	m.operations.WithLabelValues(service, string(kind), string(op), string(outcome)).Inc()
	m.duration.WithLabelValues(service, string(kind)).Observe(d.Seconds())
}

// OperationRetried implements engine.Recorder.
func (m *Metrics) OperationRetried(service string, kind engine.Kind) {
	m.retries.WithLabelValues(service, string(kind)).Inc()
}

// ErrorRecorded implements engine.Recorder.
func (m *Metrics) ErrorRecorded(service string, class engine.ErrorClass) {
	m.errors.WithLabelValues(service, string(class)).Inc()
}

// RecordReport sets the per-service gauges from a finished run.
func (m *Metrics) RecordReport(report *engine.Report) {
	statuses := []engine.ServiceStatus{
		engine.ServiceStatusSucceeded,
		engine.ServiceStatusPartial,
		engine.ServiceStatusFailed,
		engine.ServiceStatusBlocked,
	}
	for _, sr := range report.Services {
		for _, s := range statuses {
			v := 0.0
			if sr.Status == s {
				v = 1
			}
			m.serviceStatus.WithLabelValues(sr.Service, string(s)).Set(v)
		}
		summary := sr.Plan.Summary()
		m.plannedOps.WithLabelValues(sr.Service, string(engine.OperationCreate)).Set(float64(summary.Creates))
		m.plannedOps.WithLabelValues(sr.Service, string(engine.OperationUpdate)).Set(float64(summary.Updates))
		m.plannedOps.WithLabelValues(sr.Service, string(engine.OperationDelete)).Set(float64(summary.Deletes))
	}
	m.lastRun.Set(float64(report.CompletedAt.Unix()))
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Flush writes the textfile and pushes to the gateway, whichever are
// configured. Both are attempted even if the first fails.
func (m *Metrics) Flush(ctx context.Context) error {
	var firstErr error
	if m.config.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
			firstErr = fmt.Errorf("failed to write metrics file: %w", err)
		}
	}
	if m.config.PushURL != "" {
		err := push.New(m.config.PushURL, m.config.PushJob).
			Gatherer(m.registry).
			PushContext(ctx)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to push metrics: %w", err)
		}
	}
	return firstErr
}
