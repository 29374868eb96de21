package summary

import "github.com/prometheus/client_golang/prometheus"

var (
	metricBranches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_summary_branches_total",
			Help: "Branches processed by the summary step, by result",
		},
		[]string{"result"},
	)
	metricLastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salesingest_summary_last_run_unix_seconds",
			Help: "Timestamp of the last completed summary step",
		},
	)
)

func init() {
	prometheus.MustRegister(metricBranches)
	prometheus.MustRegister(metricLastRunTimestamp)
}
