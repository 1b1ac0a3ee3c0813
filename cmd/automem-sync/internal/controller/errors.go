package controller

import (
	"fmt"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/health"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/manifest"
)

// IntegrityFailure indicates the patch manifest check found missing
// files or markers. Phase records whether the failure was found in the
// current tree before mutation or in the merged tree after apply.
type IntegrityFailure struct {
	// Phase is "pre-apply" or "post-apply".
	Phase string

	// Report carries the collected misses.
	Report *manifest.IntegrityReport
}

// Error implements the error interface.
func (e *IntegrityFailure) Error() string {
	return fmt.Sprintf("patch integrity check failed (%s): %d item(s) missing",
		e.Phase, len(e.Report.Missing))
}

// HealthCheckFailure indicates the post-deploy verification pass found
// the service unhealthy. Wrapped is non-nil when the service never
// became ready at all.
type HealthCheckFailure struct {
	// Report is the probe report, nil when readiness never arrived.
	Report *health.HealthReport

	// Wrapped is the readiness error, if any.
	Wrapped error
}

// Error implements the error interface.
func (e *HealthCheckFailure) Error() string {
	if e.Report != nil {
		return fmt.Sprintf("deployment health verification failed: %s", e.Report.Summary())
	}
	return fmt.Sprintf("deployment health verification failed: %v", e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *HealthCheckFailure) Unwrap() error { return e.Wrapped }

// RollbackFailure indicates the compensation path itself failed. The
// deployment is in an unknown state and requires manual intervention;
// the controller never retries a failed rollback.
type RollbackFailure struct {
	// Target is the revision the rollback aimed for.
	Target gitops.Revision

	// Wrapped is the step error.
	Wrapped error
}

// Error implements the error interface.
func (e *RollbackFailure) Error() string {
	return fmt.Sprintf("rollback to %s failed, manual intervention required: %v",
		e.Target.Short(), e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *RollbackFailure) Unwrap() error { return e.Wrapped }
