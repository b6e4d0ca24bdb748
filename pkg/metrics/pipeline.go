package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers admission, forwarding and acknowledgement.
type PipelineMetrics struct {
	admissions   *prometheus.CounterVec
	rows         *prometheus.CounterVec
	ackRows      *prometheus.CounterVec
	finalized    *prometheus.CounterVec
	fileDuration *prometheus.HistogramVec
}

// NewPipelineMetrics registers the pipeline metrics on reg. A nil registerer yields no-op metrics.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	m := &PipelineMetrics{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "rows_total",
			Help:      "Source rows forwarded, by result.",
		}, []string{"queue", "result"}),
		ackRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "rows_appended_total",
			Help:      "Acknowledgement rows appended to accumulation artifacts.",
		}, []string{"queue"}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ack",
			Name:      "files_finalized_total",
			Help:      "Files moved to a terminal ledger status by the aggregator.",
		}, []string{"queue", "status"}),
		fileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "forwarder",
			Name:      "file_duration_seconds",
			Help:      "Time spent streaming one source file.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"queue"}),
	}
	reg.MustRegister(m.admissions, m.rows, m.ackRows, m.finalized, m.fileDuration)
	return m
}

func (m *PipelineMetrics) IncAdmission(outcome string) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *PipelineMetrics) AddRows(queue string, succeeded, failed int) {
	if m == nil || m.rows == nil {
		return
	}
	m.rows.WithLabelValues(normalizeLabel(queue), "forwarded").Add(float64(succeeded))
	m.rows.WithLabelValues(normalizeLabel(queue), "failed").Add(float64(failed))
}

func (m *PipelineMetrics) AddAckRows(queue string, n int) {
	if m == nil || m.ackRows == nil || n <= 0 {
		return
	}
	m.ackRows.WithLabelValues(normalizeLabel(queue)).Add(float64(n))
}

func (m *PipelineMetrics) IncFinalized(queue, status string) {
	if m == nil || m.finalized == nil {
		return
	}
	m.finalized.WithLabelValues(normalizeLabel(queue), normalizeLabel(status)).Inc()
}

func (m *PipelineMetrics) ObserveFile(queue string, d time.Duration) {
	if m == nil || m.fileDuration == nil {
		return
	}
	m.fileDuration.WithLabelValues(normalizeLabel(queue)).Observe(d.Seconds())
}
