package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// MonitoredMutexDefaultLimit is used when MonitoredMutex.Limit is not set
const MonitoredMutexDefaultLimit = 100 * time.Millisecond

var metricSlowLocks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "salesingest_lock_slow_total",
		Help: "Number of times a lock was held longer than its limit",
	},
	[]string{"lock_name"},
)

func init() {
	prometheus.MustRegister(metricSlowLocks)
}

// MonitoredMutex warns on unlocking when a lock was held too long.
// The zero value is ready to use.
type MonitoredMutex struct {
	mu       sync.Mutex
	lockTime time.Time

	Logger logrus.FieldLogger
	Name   string
	Limit  time.Duration
}

func (m *MonitoredMutex) Lock() {
	m.mu.Lock()
	m.lockTime = time.Now()
}

// Unlock unlocks and returns how long the lock was held
func (m *MonitoredMutex) Unlock() time.Duration {
	timeHeld := time.Since(m.lockTime)
	m.lockTime = time.Time{}
	m.mu.Unlock()

	limit := m.Limit
	if limit <= 0 {
		limit = MonitoredMutexDefaultLimit
	}
	if timeHeld > limit {
		// No panic, because time jumps, paused processes and sleep may
		// cause spikes.
		metricSlowLocks.WithLabelValues(m.Name).Inc()
		var caller string
		pc, fileName, fileLine, ok := runtime.Caller(1)
		if ok {
			details := runtime.FuncForPC(pc)
			if details != nil {
				caller = fmt.Sprintf("%s:%d (%s)", fileName, fileLine, details.Name())
			}
		}
		m.logger().WithFields(logrus.Fields{
			"lock_held": timeHeld,
			"limit":     limit,
			"lock_name": m.Name,
			"caller":    caller,
		}).Warn("Lock time limit exceeded")
	}
	return timeHeld
}

func (m *MonitoredMutex) logger() logrus.FieldLogger {
	if m.Logger != nil {
		return m.Logger
	}
	return logrus.StandardLogger()
}
