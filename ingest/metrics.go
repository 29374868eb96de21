package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_connections_total",
			Help: "Number of handled connections by outcome (ok, failed, rejected)",
		},
		[]string{"outcome"},
	)
	metricConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salesingest_connections_active",
			Help: "Number of connections currently being handled",
		},
	)
	metricAcceptErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salesingest_accept_errors_total",
			Help: "Number of failed accept calls",
		},
	)
	metricHandlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_handler_failures_total",
			Help: "Number of aborted connections by protocol state",
		},
		[]string{"state"},
	)
	metricUploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salesingest_upload_bytes_total",
			Help: "Number of decoded report bytes received successfully",
		},
	)
	metricUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "salesingest_upload_duration_seconds",
			Help:    "Duration of successful uploads, from accept to close",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)
	metricLastUploadTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salesingest_last_upload_unix_seconds",
			Help: "UNIX timestamp of the last successful upload",
		},
	)
	metricForcedCloses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salesingest_forced_closes_total",
			Help: "Number of connections closed by the server because they stalled or at shutdown",
		},
	)
)

func init() {
	prometheus.MustRegister(metricConnections)
	prometheus.MustRegister(metricConnectionsActive)
	prometheus.MustRegister(metricAcceptErrors)
	prometheus.MustRegister(metricHandlerFailures)
	prometheus.MustRegister(metricUploadBytes)
	prometheus.MustRegister(metricUploadDuration)
	prometheus.MustRegister(metricLastUploadTimestamp)
	prometheus.MustRegister(metricForcedCloses)
}
