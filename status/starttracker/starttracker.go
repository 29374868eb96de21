// Package starttracker reports the startup phase of the server as a healthz
// check: the weekly summary must have run and the listener must be bound.
package starttracker

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wojas/go-healthz"
	"go.uber.org/atomic"
)

type StartTracker struct {
	Config   StartConfig
	summary  atomic.Bool
	listener atomic.Bool
	since    atomic.Time
	prefix   string
	logger   logrus.FieldLogger
}

func New(sc StartConfig, prefix string) *StartTracker {
	st := &StartTracker{
		Config: sc.Validated(),
		prefix: prefix,
		logger: logrus.WithField("starttracker", prefix),
	}
	st.since.Store(time.Now())
	return st
}

func (st *StartTracker) trackerName() string {
	return fmt.Sprintf("%s_startup_in_progress", st.prefix)
}

// Register registers the startup check with healthz
func (st *StartTracker) Register() {
	if st.Config.ReportMetadata {
		healthz.SetMeta("startupCompleted", false)
	}
	healthz.Register(st.trackerName(), st.Config.EvaluationInterval, func() error {
		err := st.Check(time.Now())
		if err == nil && st.Completed() {
			if st.Config.ReportMetadata {
				healthz.SetMeta("startupCompleted", true)
			}
			st.logger.Info("startup phase completed successfully")
			// The startup phase is irrelevant after passing once
			healthz.Deregister(st.trackerName())
		}
		return err
	})
	st.logger.Info("registered tracker for startup phase")
}

// Completed returns true once all startup steps have passed
func (st *StartTracker) Completed() bool {
	return st.summary.Load() && st.listener.Load()
}

// Check evaluates the startup phase at time now
func (st *StartTracker) Check(now time.Time) error {
	if st.Completed() || !st.Config.ReportHealthz {
		return nil
	}
	pendingFor := now.Sub(st.since.Load())
	if pendingFor >= st.Config.ErrorDuration {
		st.logger.Debugf("successful startup pending after %s is violating the error threshold (%s)", pendingFor.Round(time.Second), st.Config.ErrorDuration)
		return fmt.Errorf("successful startup pending after %s", pendingFor.Round(time.Second))
	}
	if pendingFor >= st.Config.WarnDuration {
		st.logger.Debugf("successful startup pending after %s is violating the warning threshold (%s)", pendingFor.Round(time.Second), st.Config.WarnDuration)
		return healthz.Warnf("successful startup pending after %s", pendingFor.Round(time.Second))
	}
	return nil
}

func (st *StartTracker) SetPassedSummary() {
	st.summary.Store(true)
	st.logger.Debug("tracked completed weekly summary")
}

func (st *StartTracker) SetPassedListen() {
	st.listener.Store(true)
	st.logger.Debug("tracked bound listener")
}
