package migration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus metrics recorded by the executor. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Revisions       *prometheus.CounterVec
	OperationTime   *prometheus.HistogramVec
	CurrentRevision *prometheus.GaugeVec
	LockConflicts   prometheus.Counter
}

// NewMetrics creates Metrics with its own registry under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Revisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revisions_total",
			Help:      "Revisions applied, by direction and outcome",
		}, []string{"direction", "status"}),
		OperationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of individual migration operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"}),
		CurrentRevision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_revision_info",
			Help:      "Applied revision; the revision label carries the identifier",
		}, []string{"revision"}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_conflicts_total",
			Help:      "Runs refused because another run held the lock",
		}),
	}
	reg.MustRegister(m.Revisions, m.OperationTime, m.CurrentRevision, m.LockConflicts)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordRevision counts a revision outcome.
func (m *Metrics) RecordRevision(d Direction, status string) {
	if m == nil {
		return
	}
	m.Revisions.WithLabelValues(d.String(), status).Inc()
}

// RecordOperation observes an operation's duration.
func (m *Metrics) RecordOperation(k Kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.OperationTime.WithLabelValues(string(k), status).Observe(took.Seconds())
}

// SetCurrent records id as the applied revision.
func (m *Metrics) SetCurrent(id string) {
	if m == nil {
		return
	}
	m.CurrentRevision.Reset()
	m.CurrentRevision.WithLabelValues(displayID(id)).Set(1)
}

// RecordLockConflict counts a refused run.
func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.LockConflicts.Inc()
}
