package healthtracker

import (
	"time"
)

// MinEvaluationInterval is the minimum interval between healthz evaluations
const MinEvaluationInterval = time.Second

// HealthConfig sets when failed report uploads make the service unhealthy.
// Only failures to store a report count. Client errors like bad framing or
// invalid base64 do not.
type HealthConfig struct {
	// ErrorDuration fails the check when uploads have been failing this long
	// without a single stored report in between
	ErrorDuration time.Duration `yaml:"error_duration"`
	// WarnDuration is like ErrorDuration, but only warns
	WarnDuration time.Duration `yaml:"warn_duration"`
	// ErrorSequence fails the check after this many failed uploads in a row
	ErrorSequence uint32 `yaml:"error_sequence"`
	// WarnSequence warns after this many failed uploads in a row
	WarnSequence uint32 `yaml:"warn_sequence"`
	// EvaluationInterval is how often healthz runs the checks
	EvaluationInterval time.Duration `yaml:"interval"`
}

// Validated returns a copy with the interval minimum enforced, negative
// durations cleared and each warning threshold at most its error threshold.
func (hc HealthConfig) Validated() HealthConfig {
	if hc.EvaluationInterval < MinEvaluationInterval {
		hc.EvaluationInterval = MinEvaluationInterval
	}
	if hc.ErrorDuration < 0 {
		hc.ErrorDuration = 0
	}
	if hc.WarnDuration < 0 {
		hc.WarnDuration = 0
	}
	if hc.ErrorDuration > 0 && hc.WarnDuration > hc.ErrorDuration {
		hc.WarnDuration = hc.ErrorDuration
	}
	if hc.ErrorSequence > 0 && hc.WarnSequence > hc.ErrorSequence {
		hc.WarnSequence = hc.ErrorSequence
	}
	return hc
}
