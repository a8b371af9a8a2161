package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the audit subsystem. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsRecorded  *prometheus.CounterVec
	CleanupCycles   *prometheus.CounterVec
	CleanupDeleted  *prometheus.CounterVec
	ArchivesWritten *prometheus.CounterVec
	CleanupDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsRecorded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kshelf_audit_events_recorded_total",
			Help: "Total number of audit events the recorder tried to persist",
		}, []string{"result"}),
		CleanupCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kshelf_audit_cleanup_cycles_total",
			Help: "Total number of retention cleanup cycles",
		}, []string{"result"}),
		CleanupDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kshelf_audit_cleanup_deleted_total",
			Help: "Total number of audit events deleted by retention cleanup",
		}, []string{"policy"}),
		ArchivesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kshelf_audit_archives_written_total",
			Help: "Total number of archive files written",
		}, []string{"result"}),
		CleanupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kshelf_audit_cleanup_cycle_duration_seconds",
			Help:    "Duration of retention cleanup cycles",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) observeRecord(err error) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) observeCycle(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CleanupCycles.WithLabelValues(resultLabel(err)).Inc()
	m.CleanupDuration.Observe(duration.Seconds())
}

func (m *Metrics) observeDeleted(policy string, count int64) {
	if m == nil || count == 0 {
		return
	}
	m.CleanupDeleted.WithLabelValues(policy).Add(float64(count))
}

func (m *Metrics) observeArchive(err error) {
	if m == nil {
		return
	}
	m.ArchivesWritten.WithLabelValues(resultLabel(err)).Inc()
}
