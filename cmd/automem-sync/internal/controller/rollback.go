package controller

import (
	"context"
	"fmt"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/deploy"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/health"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// RollbackController restores the previous revision and verifies the
// restored deployment.
//
// # Description
//
// A rollback is a two-step compensation: revert the working tree, then
// rebuild and restart the stack from it. It only counts as successful
// when the restored deployment passes the full health verification;
// a rollback that leaves the service unhealthy is a failure. Failures
// are never retried automatically because a second blind attempt
// against a broken host tends to make the state harder to diagnose.
type RollbackController struct {
	executor deploy.Executor
	verifier health.Verifier
	logger   *logging.Logger
}

// NewRollbackController creates a RollbackController.
func NewRollbackController(executor deploy.Executor, verifier health.Verifier, logger *logging.Logger) *RollbackController {
	if logger == nil {
		logger = logging.Default()
	}
	return &RollbackController{executor: executor, verifier: verifier, logger: logger}
}

// Rollback restores prev and verifies the result. Returns nil only
// when the restored deployment is fully healthy; any other outcome is
// a *RollbackFailure.
func (r *RollbackController) Rollback(ctx context.Context, prev gitops.Revision) error {
	r.logger.Warn("rolling back", "target", prev.Short())

	if err := r.executor.Revert(ctx, prev); err != nil {
		return &RollbackFailure{Target: prev, Wrapped: fmt.Errorf("revert step: %w", err)}
	}
	if err := r.executor.Redeploy(ctx); err != nil {
		return &RollbackFailure{Target: prev, Wrapped: fmt.Errorf("redeploy step: %w", err)}
	}
	if err := r.verifier.WaitReady(ctx); err != nil {
		return &RollbackFailure{Target: prev, Wrapped: fmt.Errorf("restored service never became ready: %w", err)}
	}
	report := r.verifier.Check(ctx)
	if !report.Passed() {
		return &RollbackFailure{
			Target:  prev,
			Wrapped: fmt.Errorf("restored service is unhealthy: %s", report.Summary()),
		}
	}

	r.logger.Info("rollback verified", "revision", prev.Short())
	return nil
}
