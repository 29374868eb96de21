// Package healthtracker reports consecutive failures of an activity, like
// report uploads, as healthz checks.
package healthtracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

type HealthTracker struct {
	Config   HealthConfig
	sequence atomic.Uint32
	since    atomic.Time
	prefix   string
	activity string
	logger   logrus.FieldLogger
}

// New creates a HealthTracker without registering it with healthz.
// Call Register to expose it.
func New(hc HealthConfig, prefix string, activity string) *HealthTracker {
	return &HealthTracker{
		Config:   hc.Validated(),
		prefix:   prefix,
		activity: activity,
		logger:   logrus.WithField("healthtracker", prefix),
	}
}

// Register registers both the sequence and the duration check with healthz
func (ht *HealthTracker) Register() {
	healthz.Register(ht.prefix+"_failed_attempts", ht.Config.EvaluationInterval, ht.CheckSequence)
	healthz.Register(ht.prefix+"_failed_duration", ht.Config.EvaluationInterval, func() error {
		return ht.CheckDuration(time.Now())
	})
	ht.logger.Info("registered trackers for consecutive failures")
}

// CheckSequence evaluates the number of consecutive failures
func (ht *HealthTracker) CheckSequence() error {
	fails := ht.sequence.Load()
	if fails == 0 {
		return nil
	}
	if ht.Config.ErrorSequence > 0 && fails >= ht.Config.ErrorSequence {
		ht.logger.Warnf("%d consecutive failures is violating the error threshold (%d)", fails, ht.Config.ErrorSequence)
		return fmt.Errorf("failed to %s %d consecutive times", ht.activity, fails)
	}
	if ht.Config.WarnSequence > 0 && fails >= ht.Config.WarnSequence {
		ht.logger.Warnf("%d consecutive failures is violating the warning threshold (%d)", fails, ht.Config.WarnSequence)
		return healthz.Warnf("failed to %s %d consecutive times", ht.activity, fails)
	}
	return nil
}

// CheckDuration evaluates for how long the activity has been failing at now
func (ht *HealthTracker) CheckDuration(now time.Time) error {
	if ht.sequence.Load() == 0 {
		return nil
	}
	failingFor := now.Sub(ht.since.Load())
	if failingFor >= ht.Config.ErrorDuration {
		ht.logger.Warnf("failure for %s is violating the error threshold (%s)", failingFor.Round(time.Second), ht.Config.ErrorDuration)
		return fmt.Errorf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	}
	if failingFor >= ht.Config.WarnDuration {
		ht.logger.Warnf("failure for %s is violating the warning threshold (%s)", failingFor.Round(time.Second), ht.Config.WarnDuration)
		return healthz.Warnf("failed to %s for %s", ht.activity, failingFor.Round(time.Second))
	}
	return nil
}

// AddFailure records a failed attempt
func (ht *HealthTracker) AddFailure() {
	if ht.sequence.Inc() == 1 {
		ht.since.Store(time.Now())
	}
	ht.logger.Debugf("incremented consecutive failures to %d", ht.sequence.Load())
}

// AddSuccess resets the failure sequence
func (ht *HealthTracker) AddSuccess() {
	ht.sequence.Store(0)
	ht.logger.Debug("tracked successful attempt")
}

// Failures returns the current number of consecutive failures
func (ht *HealthTracker) Failures() uint32 {
	return ht.sequence.Load()
}
