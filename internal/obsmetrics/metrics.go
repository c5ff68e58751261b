// Package obsmetrics holds the shadow-AI discovery platform's Prometheus
// metrics, registered once at process start and updated by the components
// that emit them.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the platform updates.
type Metrics struct {
	// Discovery
	DiscoveryRunTotal    *prometheus.CounterVec
	DiscoveryRunDuration *prometheus.HistogramVec
	AutomationsFound     *prometheus.CounterVec

	// Detection
	DetectionsTotal  *prometheus.CounterVec
	DetectionLatency prometheus.Histogram

	// Correlation
	CorrelationRunTotal    *prometheus.CounterVec
	CorrelationRunDuration prometheus.Histogram
	ChainsDetected         *prometheus.CounterVec

	// Quota
	QuotaUsageRatio *prometheus.GaugeVec

	// Realtime gateway
	GatewayConnectedClients prometheus.Gauge
	GatewayBroadcastDropped *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		DiscoveryRunTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_discovery_run_total",
				Help: "Total discovery runs by platform and outcome",
			},
			[]string{"platform", "status"}, // status: completed, failed
		),
		DiscoveryRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shadowai_discovery_run_duration_seconds",
				Help:    "Duration of a single connection's discovery run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform"},
		),
		AutomationsFound: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_automations_found_total",
				Help: "Total automations discovered by platform",
			},
			[]string{"platform"},
		),
		DetectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_detections_total",
				Help: "Total detector findings by detector name and severity",
			},
			[]string{"detector", "severity"},
		),
		DetectionLatency: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shadowai_detection_analyze_duration_seconds",
				Help:    "Duration of one detection engine Analyze call",
				Buckets: prometheus.DefBuckets,
			},
		),
		CorrelationRunTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_correlation_run_total",
				Help: "Total correlation analysis runs by outcome",
			},
			[]string{"status"}, // status: completed, already_in_progress, error
		),
		CorrelationRunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shadowai_correlation_run_duration_seconds",
				Help:    "Duration of one executeCorrelationAnalysis call",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
		),
		ChainsDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_chains_detected_total",
				Help: "Total cross-platform automation chains detected by risk level",
			},
			[]string{"risk_level"},
		),
		QuotaUsageRatio: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shadowai_quota_usage_ratio",
				Help: "Fraction of daily API quota used, by platform and connection",
			},
			[]string{"platform", "connection_id"},
		),
		GatewayConnectedClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadowai_gateway_connected_clients",
				Help: "Current number of authenticated realtime gateway clients",
			},
		),
		GatewayBroadcastDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowai_gateway_broadcast_dropped_total",
				Help: "Broadcast events dropped by reason (schema_invalid, buffer_full)",
			},
			[]string{"reason"},
		),
	}
}

// RecordDiscoveryRun records one connection's discovery-run outcome.
func (m *Metrics) RecordDiscoveryRun(platform, status string, durationSeconds float64, automationsFound int) {
	m.DiscoveryRunTotal.WithLabelValues(platform, status).Inc()
	m.DiscoveryRunDuration.WithLabelValues(platform).Observe(durationSeconds)
	if automationsFound > 0 {
		m.AutomationsFound.WithLabelValues(platform).Add(float64(automationsFound))
	}
}

// RecordDetection records one detector finding.
func (m *Metrics) RecordDetection(detector, severity string) {
	m.DetectionsTotal.WithLabelValues(detector, severity).Inc()
}

// RecordCorrelationRun records one correlation analysis outcome.
func (m *Metrics) RecordCorrelationRun(status string, durationSeconds float64) {
	m.CorrelationRunTotal.WithLabelValues(status).Inc()
	if status == "completed" {
		m.CorrelationRunDuration.Observe(durationSeconds)
	}
}

// RecordChainDetected records one cross-platform chain at its risk level.
func (m *Metrics) RecordChainDetected(riskLevel string) {
	m.ChainsDetected.WithLabelValues(riskLevel).Inc()
}

// SetQuotaUsage sets the current usage ratio for a (platform, connection).
func (m *Metrics) SetQuotaUsage(platform, connectionID string, used, limit int64) {
	if limit <= 0 {
		return
	}
	m.QuotaUsageRatio.WithLabelValues(platform, connectionID).Set(float64(used) / float64(limit))
}

// SetConnectedClients sets the current realtime gateway client count.
func (m *Metrics) SetConnectedClients(n int) {
	m.GatewayConnectedClients.Set(float64(n))
}

// RecordBroadcastDropped records one dropped broadcast event.
func (m *Metrics) RecordBroadcastDropped(reason string) {
	m.GatewayBroadcastDropped.WithLabelValues(reason).Inc()
}
