package starttracker

import (
	"time"
)

// MinEvaluationInterval is the minimum interval between healthz evaluations
const MinEvaluationInterval = time.Second

// StartConfig sets how long the server may take to get ready before healthz
// reports it. Startup is ready once the weekly summary step has run (or was
// skipped) and the upload listener is bound.
type StartConfig struct {
	// EvaluationInterval is how often healthz runs the check
	EvaluationInterval time.Duration `yaml:"interval"`
	// ErrorDuration is the startup time after which the check fails
	ErrorDuration time.Duration `yaml:"error_duration"`
	// WarnDuration is the startup time after which the check warns. A slow
	// summary step over many branches usually shows up here first.
	WarnDuration time.Duration `yaml:"warn_duration"`
	// ReportHealthz enables the check, otherwise startup is always healthy
	ReportHealthz bool `yaml:"report_healthz"`
	// ReportMetadata publishes startupCompleted in the healthz metadata
	ReportMetadata bool `yaml:"report_metadata"`
}

// Validated returns a copy with the interval minimum enforced, negative
// durations cleared and the warning threshold at most the error threshold.
func (sc StartConfig) Validated() StartConfig {
	if sc.EvaluationInterval < MinEvaluationInterval {
		sc.EvaluationInterval = MinEvaluationInterval
	}
	if sc.ErrorDuration < 0 {
		sc.ErrorDuration = 0
	}
	if sc.WarnDuration < 0 {
		sc.WarnDuration = 0
	}
	if sc.ErrorDuration > 0 && sc.WarnDuration > sc.ErrorDuration {
		sc.WarnDuration = sc.ErrorDuration
	}
	return sc
}
