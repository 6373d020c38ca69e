// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway exports. A nil *Metrics is valid
// and records nothing, which keeps component tests free of registries.
type Metrics struct {
	readingsReceived   *prometheus.CounterVec
	readingsRejected   *prometheus.CounterVec
	readingsProcessed  prometheus.Counter
	detectorTimeouts   *prometheus.CounterVec
	combinedScore      prometheus.Histogram
	alertDecisions     *prometheus.CounterVec
	notificationsQueue *prometheus.CounterVec
	notificationsDrop  prometheus.Counter
	auditRecords       *prometheus.CounterVec
	trackedSensors     prometheus.Gauge
	processingLatency  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		readingsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_readings_received_total",
			Help: "Readings received per ingress transport.",
		}, []string{"transport"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_readings_rejected_total",
			Help: "Readings rejected before reaching the state store, by reason.",
		}, []string{"reason"}),
		readingsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_readings_processed_total",
			Help: "Readings driven through detection and alerting.",
		}),
		detectorTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_detector_degraded_total",
			Help: "Detector calls that timed out or failed and were excluded.",
		}, []string{"detector"}),
		combinedScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_combined_score",
			Help:    "Distribution of combined anomaly scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		alertDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alert_decisions_total",
			Help: "Alert lifecycle decisions by outcome.",
		}, []string{"decision"}),
		notificationsQueue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_notifications_enqueued_total",
			Help: "Notification jobs enqueued per channel.",
		}, []string{"channel"}),
		notificationsDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_notifications_dropped_total",
			Help: "Notification jobs dropped because the queue stayed full.",
		}),
		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_audit_records_total",
			Help: "Audit records by kind.",
		}, []string{"kind"}),
		trackedSensors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_tracked_sensors",
			Help: "Sensors currently held in the state store.",
		}),
		processingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_processing_seconds",
			Help:    "Time from dequeue to alert decision for one reading.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		m.readingsReceived,
		m.readingsRejected,
		m.readingsProcessed,
		m.detectorTimeouts,
		m.combinedScore,
		m.alertDecisions,
		m.notificationsQueue,
		m.notificationsDrop,
		m.auditRecords,
		m.trackedSensors,
		m.processingLatency,
	)
	return m
}

func (m *Metrics) ReadingReceived(transport string) {
	if m == nil {
		return
	}
	m.readingsReceived.WithLabelValues(transport).Inc()
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReadingProcessed(seconds, combined float64) {
	if m == nil {
		return
	}
	m.readingsProcessed.Inc()
	m.processingLatency.Observe(seconds)
	m.combinedScore.Observe(combined)
}

func (m *Metrics) DetectorDegraded(detector string) {
	if m == nil {
		return
	}
	m.detectorTimeouts.WithLabelValues(detector).Inc()
}

func (m *Metrics) AlertDecision(decision string) {
	if m == nil {
		return
	}
	m.alertDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) NotificationEnqueued(channel string) {
	if m == nil {
		return
	}
	m.notificationsQueue.WithLabelValues(channel).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDrop.Inc()
}

func (m *Metrics) AuditRecorded(kind string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetTrackedSensors(n int) {
	if m == nil {
		return
	}
	m.trackedSensors.Set(float64(n))
}
