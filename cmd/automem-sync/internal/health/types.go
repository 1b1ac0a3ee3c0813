// Package health verifies a running AutoMem deployment with an ordered
// sequence of probes.
//
// Probes never short-circuit: every probe runs even when an earlier
// one fails, so a failing deployment yields the full diagnostic in one
// pass. The companion probe is advisory and never fails a run.
package health

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Probe names, in report order.
const (
	ProbeLiveness   = "liveness"
	ProbeStore      = "store" // suffixed with the store name, e.g. "store:qdrant"
	ProbeActivation = "feature-activation"
	ProbeSynthetic  = "synthetic-write-read"
	ProbeCompanion  = "companion-liveness"
)

// ErrNotReady is returned by WaitReady when the service never became
// live within the wait budget.
var ErrNotReady = errors.New("service did not become ready")

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	// Name identifies the probe.
	Name string

	// Passed is true when the probe succeeded.
	Passed bool

	// Fatal marks probes that count toward ErrorCount. The companion
	// probe is the only non-fatal one.
	Fatal bool

	// Detail is a human-readable explanation, required on failure.
	Detail string

	// Duration is the probe's wall-clock time.
	Duration time.Duration
}

// HealthReport is the ordered result of one verification pass.
// Produced per pass and discarded after use, except for logging.
type HealthReport struct {
	// Probes holds results in execution order.
	Probes []ProbeResult
}

// ErrorCount counts failed fatal probes. The companion probe never
// contributes.
func (r *HealthReport) ErrorCount() int {
	count := 0
	for _, p := range r.Probes {
		if p.Fatal && !p.Passed {
			count++
		}
	}
	return count
}

// Passed reports whether no fatal probe failed.
func (r *HealthReport) Passed() bool {
	return r.ErrorCount() == 0
}

// Summary returns a one-line digest for logs.
func (r *HealthReport) Summary() string {
	var failed []string
	for _, p := range r.Probes {
		if !p.Passed {
			failed = append(failed, p.Name)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("all %d probes passed", len(r.Probes))
	}
	return fmt.Sprintf("%d error(s), failing: %s", r.ErrorCount(), strings.Join(failed, ", "))
}
