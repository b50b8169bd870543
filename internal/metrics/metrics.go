// Package metrics holds the Prometheus collectors for the pool, the backup
// service and the migration orchestrator.
//
// All recorders are safe to call on a nil receiver so components can run
// without metrics wired in.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "storekeeper"

// Metrics groups every collector the module registers.
type Metrics struct {
	Pool      *PoolMetrics
	Backup    *BackupMetrics
	Migration *MigrationMetrics
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Pool:      NewPoolMetrics(reg),
		Backup:    NewBackupMetrics(reg),
		Migration: NewMigrationMetrics(reg),
	}
}

// PoolMetrics tracks connection acquisition and pool occupancy.
type PoolMetrics struct {
	Acquisitions *prometheus.CounterVec
	WaitSeconds  prometheus.Histogram
	Evictions    *prometheus.CounterVec
	Connections  *prometheus.GaugeVec
}

// NewPoolMetrics registers pool collectors on reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	f := promauto.With(reg)
	return &PoolMetrics{
		Acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Connection acquisitions by result (hit, miss, timeout, error).",
		}, []string{"result"}),
		WaitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent inside Acquire.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "evictions_total",
			Help:      "Connections closed by the pool, by reason (unhealthy, idle, closed).",
		}, []string{"reason"}),
		Connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Current connection counts by state (open, active, idle, waiting).",
		}, []string{"state"}),
	}
}

// ObserveAcquire records one Acquire outcome and how long it took.
func (m *PoolMetrics) ObserveAcquire(result string, wait time.Duration) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(result).Inc()
	m.WaitSeconds.Observe(wait.Seconds())
}

// ObserveEviction records a closed connection.
func (m *PoolMetrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(reason).Inc()
}

// SetOccupancy publishes the current pool shape.
func (m *PoolMetrics) SetOccupancy(open, active, idle, waiting int) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues("open").Set(float64(open))
	m.Connections.WithLabelValues("active").Set(float64(active))
	m.Connections.WithLabelValues("idle").Set(float64(idle))
	m.Connections.WithLabelValues("waiting").Set(float64(waiting))
}

// BackupMetrics tracks backup, restore and retention activity.
type BackupMetrics struct {
	Operations         *prometheus.CounterVec
	DurationSeconds    *prometheus.HistogramVec
	PayloadBytes       prometheus.Histogram
	CatalogSize        prometheus.Gauge
	ChecksumMismatches prometheus.Counter
}

// NewBackupMetrics registers backup collectors on reg.
func NewBackupMetrics(reg prometheus.Registerer) *BackupMetrics {
	f := promauto.With(reg)
	return &BackupMetrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "operations_total",
			Help:      "Backup service operations by kind (create, restore, delete, retention) and outcome.",
		}, []string{"operation", "outcome"}),
		DurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backup service operations.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"operation"}),
		PayloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "payload_bytes",
			Help:      "Stored payload size of created backups.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		CatalogSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "catalog_size",
			Help:      "Number of completed backups in the catalog.",
		}),
		ChecksumMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "checksum_mismatches_total",
			Help:      "Restores or verifications rejected by the checksum gate.",
		}),
	}
}

// ObserveOperation records the outcome and duration of one operation.
func (m *BackupMetrics) ObserveOperation(operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome(err)).Inc()
	m.DurationSeconds.WithLabelValues(operation).Observe(d.Seconds())
}

// ObservePayload records the stored size of a new backup.
func (m *BackupMetrics) ObservePayload(size int64) {
	if m == nil {
		return
	}
	m.PayloadBytes.Observe(float64(size))
}

// SetCatalogSize publishes the catalog length.
func (m *BackupMetrics) SetCatalogSize(n int) {
	if m == nil {
		return
	}
	m.CatalogSize.Set(float64(n))
}

// ObserveChecksumMismatch counts one rejected payload.
func (m *BackupMetrics) ObserveChecksumMismatch() {
	if m == nil {
		return
	}
	m.ChecksumMismatches.Inc()
}

// MigrationMetrics tracks orchestrator runs.
type MigrationMetrics struct {
	Runs            *prometheus.CounterVec
	Progress        prometheus.Gauge
	StepDuration    *prometheus.HistogramVec
	UnresolvedState prometheus.Gauge
}

// NewMigrationMetrics registers migration collectors on reg.
func NewMigrationMetrics(reg prometheus.Registerer) *MigrationMetrics {
	f := promauto.With(reg)
	return &MigrationMetrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Migration runs by final state.",
		}, []string{"state"}),
		Progress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "progress_percent",
			Help:      "Progress of the current or last migration run.",
		}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "step_duration_seconds",
			Help:      "Duration of each migration step.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"step", "outcome"}),
		UnresolvedState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "unresolved",
			Help:      "1 while a failed run with a failed rollback awaits operator action.",
		}),
	}
}

// ObserveStep records one step's duration and outcome.
func (m *MigrationMetrics) ObserveStep(step string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step, outcome(err)).Observe(d.Seconds())
}

// SetProgress publishes run progress in percent.
func (m *MigrationMetrics) SetProgress(p int) {
	if m == nil {
		return
	}
	m.Progress.Set(float64(p))
}

// ObserveRun counts a finished run by its final state.
func (m *MigrationMetrics) ObserveRun(state string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(state).Inc()
}

// SetUnresolved flips the unresolved gauge.
func (m *MigrationMetrics) SetUnresolved(unresolved bool) {
	if m == nil {
		return
	}
	if unresolved {
		m.UnresolvedState.Set(1)
		return
	}
	m.UnresolvedState.Set(0)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
