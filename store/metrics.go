package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_store_writes_total",
			Help: "Report writes to local storage by result",
		},
		[]string{"result"},
	)
	metricWriteBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "salesingest_store_write_bytes_total",
			Help: "Number of report bytes written successfully",
		},
	)
	metricLastWriteTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "salesingest_store_last_write_unix_seconds",
			Help: "UNIX timestamp of the last successful report write",
		},
	)
	metricMirrorStores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "salesingest_mirror_stores_total",
			Help: "Report copies stored in the mirror backend by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(metricWrites)
	prometheus.MustRegister(metricWriteBytes)
	prometheus.MustRegister(metricLastWriteTimestamp)
	prometheus.MustRegister(metricMirrorStores)
}
