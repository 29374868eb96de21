package climit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "salesingest_climit_limit",
			Help: "Configured maximum number of tokens that can be active at once",
		},
		[]string{"limit_name"},
	)
	metricWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "salesingest_climit_waiting",
			Help: "Number of tasks waiting to acquire the token",
		},
		[]string{"limit_name"},
	)
	metricActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "salesingest_climit_active",
			Help: "Number of tasks currently active with the token",
		},
		[]string{"limit_name"},
	)
	metricAcquiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_climit_acquired_total",
			Help: "Total number of times the token has been acquired",
		},
		[]string{"limit_name"},
	)
	metricRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_climit_rejected_total",
			Help: "Total number of times TryAcquire found no free token",
		},
		[]string{"limit_name"},
	)
	metricActiveSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "salesingest_climit_active_seconds",
			Help: "Histogram of how long tasks held the token",
		},
		[]string{"limit_name"},
	)
	metricWaitingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "salesingest_climit_waiting_seconds",
			Help: "Histogram of how long tasks have had to wait for the token",
		},
		[]string{"limit_name"},
	)
)

func init() {
	prometheus.MustRegister(metricLimit)
	prometheus.MustRegister(metricWaiting)
	prometheus.MustRegister(metricActive)
	prometheus.MustRegister(metricAcquiredTotal)
	prometheus.MustRegister(metricRejectedTotal)
	prometheus.MustRegister(metricActiveSeconds)
	prometheus.MustRegister(metricWaitingSeconds)
}
