// Package controller drives the verification-gated deployment pipeline:
// detect upstream divergence, gate on the risk verdict, apply, verify
// patch integrity, redeploy, verify health, and roll back to the prior
// revision on any verification failure.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/deploy"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/health"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/infra/process"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/manifest"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/risk"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// State identifies a pipeline phase.
type State string

// Pipeline states.
const (
	StateIdle           State = "IDLE"
	StateDetecting      State = "DETECTING"
	StateUpToDate       State = "UP_TO_DATE"
	StateAnalyzing      State = "ANALYZING"
	StateAborted        State = "ABORTED"
	StateVerifyingPre   State = "VERIFYING_PRE"
	StateApplying       State = "APPLYING"
	StateVerifyingPatch State = "VERIFYING_PATCH"
	StateDeploying      State = "DEPLOYING"
	StateHealthChecking State = "HEALTH_CHECKING"
	StateRollingBack    State = "ROLLING_BACK"
	StateSuccess        State = "SUCCESS"
	StateRolledBack     State = "ROLLED_BACK"
	StateFatal          State = "FATAL"
)

// ConfirmFunc asks the operator a yes/no question. Returning false
// declines. Only consulted in interactive runs.
type ConfirmFunc func(prompt string) bool

// Config configures a SyncController run.
type Config struct {
	// Remote is the upstream remote fetched before detection.
	Remote string

	// LocalRef and UpstreamRef are the refs compared by detection,
	// e.g. "HEAD" and "upstream/main".
	LocalRef    string
	UpstreamRef string

	// RepoDir is the deployment checkout.
	RepoDir string

	// Unattended suppresses prompts. CAUTION and UNKNOWN verdicts
	// abort instead of asking.
	Unattended bool

	// Confirm is the interactive prompt. Ignored when Unattended.
	Confirm ConfirmFunc
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if c.Remote == "" {
		c.Remote = "upstream"
	}
	if c.LocalRef == "" {
		c.LocalRef = "HEAD"
	}
	if c.UpstreamRef == "" {
		c.UpstreamRef = "upstream/main"
	}
}

// SyncController is the deployment pipeline state machine.
//
// # Description
//
// One Run is one attempt. The pipeline is strictly sequential; the
// run-level lock rejects concurrent runs on the same host. Before the
// working tree is mutated the rollback target is journaled to disk,
// and from that point the run no longer honors context cancellation:
// an interrupted half-deployment is worse than a late one.
//
// # Thread Safety
//
// A SyncController is single-use per Run call and not safe for
// concurrent Runs. The run lock enforces this across processes.
type SyncController struct {
	cfg      Config
	detector gitops.Detector
	analyzer risk.Analyzer
	patch    *manifest.PatchManifest
	executor deploy.Executor
	verifier health.Verifier
	rollback *RollbackController
	journal  *Journal
	lock     process.RunLocker
	logger   *logging.Logger

	state State
}

// NewSyncController wires the pipeline. lock may be nil when the
// caller manages exclusion itself (tests).
func NewSyncController(
	cfg Config,
	detector gitops.Detector,
	analyzer risk.Analyzer,
	patch *manifest.PatchManifest,
	executor deploy.Executor,
	verifier health.Verifier,
	journal *Journal,
	lock process.RunLocker,
	logger *logging.Logger,
) *SyncController {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &SyncController{
		cfg:      cfg,
		detector: detector,
		analyzer: analyzer,
		patch:    patch,
		executor: executor,
		verifier: verifier,
		rollback: NewRollbackController(executor, verifier, logger),
		journal:  journal,
		lock:     lock,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the current pipeline state.
func (c *SyncController) State() State { return c.state }

// Run executes one full pipeline pass.
//
// # Outputs
//
//   - *DeploymentAttempt: the finished attempt, always non-nil once
//     the lock was acquired. Outcome maps to the process exit code.
//   - error: the terminal error for non-SUCCESS/UP_TO_DATE outcomes,
//     or a lock/journal error before the pipeline started.
func (c *SyncController) Run(ctx context.Context) (*DeploymentAttempt, error) {
	if c.lock != nil {
		if err := c.lock.Acquire(); err != nil {
			return nil, err
		}
		defer func() {
			if err := c.lock.Release(); err != nil {
				c.logger.Warn("releasing run lock", "error", err)
			}
		}()
	}

	attempt := &DeploymentAttempt{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	c.logger.Info("sync run starting", "run_id", attempt.RunID, "unattended", c.cfg.Unattended)

	// ---- DETECTING ----
	c.transition(StateDetecting, "run started")
	if err := c.detector.Fetch(ctx, c.cfg.Remote); err != nil {
		return c.finish(attempt, StateAborted, OutcomeAborted,
			fmt.Sprintf("fetching %s: %v", c.cfg.Remote, err), err)
	}
	cs, err := c.detector.Detect(ctx, c.cfg.LocalRef, c.cfg.UpstreamRef)
	if err != nil {
		return c.finish(attempt, StateAborted, OutcomeAborted,
			fmt.Sprintf("change detection: %v", err), err)
	}
	attempt.PreviousRevision = cs.BaseRevision
	attempt.AttemptedRevision = cs.TargetRevision

	if cs.UpToDate() {
		attempt.AttemptedRevision = ""
		return c.finish(attempt, StateUpToDate, OutcomeUpToDate, "already at upstream", nil)
	}
	c.logger.Info("upstream divergence detected", "summary", cs.Summary(),
		"base", cs.BaseRevision.Short(), "target", cs.TargetRevision.Short())

	// ---- ANALYZING ----
	c.transition(StateAnalyzing, cs.Summary())
	verdict, verr := c.analyzer.Assess(ctx, cs)
	if verr != nil {
		c.logger.Warn("risk analysis degraded", "verdict", verdict, "error", verr)
	}
	if reason, ok := c.gateOnVerdict(verdict, cs); !ok {
		return c.finish(attempt, StateAborted, OutcomeAborted, reason, nil)
	}

	// ---- VERIFYING_PRE ----
	c.transition(StateVerifyingPre, "verdict "+verdict.String())
	if report := manifest.Verify(c.patch, c.cfg.RepoDir); !report.Passed {
		ferr := &IntegrityFailure{Phase: "pre-apply", Report: &report}
		return c.finish(attempt, StateAborted, OutcomeAborted,
			"patch already broken before pull: "+ferr.Error(), ferr)
	}

	// ---- APPLYING ----
	// Journal the rollback target first; a crash after this point must
	// not lose it. From here on the run ignores cancellation.
	if err := c.journal.RecordPending(attempt); err != nil {
		return c.finish(attempt, StateAborted, OutcomeAborted,
			fmt.Sprintf("journaling rollback target: %v", err), err)
	}
	mctx := context.WithoutCancel(ctx)

	c.transition(StateApplying, "rollback target journaled")
	if _, err := c.executor.Apply(mctx, cs); err != nil {
		// A failed fast-forward leaves tree and running stack exactly
		// as they were; there is nothing to roll back and restarting
		// the healthy stack would be pure disruption.
		return c.finish(attempt, StateAborted, OutcomeAborted,
			fmt.Sprintf("apply failed, deployment untouched: %v", err), err)
	}

	// ---- VERIFYING_PATCH ----
	c.transition(StateVerifyingPatch, "tree at "+cs.TargetRevision.Short())
	if report := manifest.Verify(c.patch, c.cfg.RepoDir); !report.Passed {
		ferr := &IntegrityFailure{Phase: "post-apply", Report: &report}
		return c.rollBackAndFinish(mctx, attempt, ferr.Error(), ferr)
	}

	// ---- DEPLOYING ----
	c.transition(StateDeploying, "patch integrity verified")
	if !c.cfg.Unattended && c.cfg.Confirm != nil {
		if !c.cfg.Confirm(fmt.Sprintf("Rebuild and restart the stack at %s?", cs.TargetRevision.Short())) {
			return c.rollBackAndFinish(mctx, attempt, "redeploy declined by operator", nil)
		}
	}
	if err := c.executor.Redeploy(mctx); err != nil {
		return c.rollBackAndFinish(mctx, attempt, fmt.Sprintf("redeploy failed: %v", err), err)
	}

	// ---- HEALTH_CHECKING ----
	c.transition(StateHealthChecking, "stack restarted")
	if err := c.verifier.WaitReady(mctx); err != nil {
		herr := &HealthCheckFailure{Wrapped: err}
		return c.rollBackAndFinish(mctx, attempt, herr.Error(), herr)
	}
	report := c.verifier.Check(mctx)
	if !report.Passed() {
		herr := &HealthCheckFailure{Report: report}
		return c.rollBackAndFinish(mctx, attempt, herr.Error(), herr)
	}

	return c.finish(attempt, StateSuccess, OutcomeSuccess,
		fmt.Sprintf("deployed %s, %s", cs.TargetRevision.Short(), report.Summary()), nil)
}

// gateOnVerdict applies the risk policy. Returns (reason, false) when
// the run must abort.
func (c *SyncController) gateOnVerdict(verdict risk.Verdict, cs *gitops.ChangeSet) (string, bool) {
	switch verdict {
	case risk.VerdictDangerous:
		return "risk verdict DANGEROUS", false
	case risk.VerdictCaution, risk.VerdictUnknown:
		if c.cfg.Unattended || c.cfg.Confirm == nil {
			return fmt.Sprintf("risk verdict %s in unattended mode", verdict), false
		}
		if !c.cfg.Confirm(fmt.Sprintf("Risk verdict is %s for %s. Pull anyway?", verdict, cs.Summary())) {
			return fmt.Sprintf("risk verdict %s declined by operator", verdict), false
		}
		return "", true
	default: // SAFE
		if !c.cfg.Unattended && c.cfg.Confirm != nil {
			if !c.cfg.Confirm(fmt.Sprintf("Pull %s?", cs.Summary())) {
				return "pull declined by operator", false
			}
		}
		return "", true
	}
}

// rollBackAndFinish runs the compensation path and records the
// terminal outcome: ROLLED_BACK when the previous revision was
// restored and verified, FATAL otherwise.
func (c *SyncController) rollBackAndFinish(ctx context.Context, attempt *DeploymentAttempt, reason string, cause error) (*DeploymentAttempt, error) {
	c.transition(StateRollingBack, reason)
	if rbErr := c.rollback.Rollback(ctx, attempt.PreviousRevision); rbErr != nil {
		return c.finish(attempt, StateFatal, OutcomeFatal,
			fmt.Sprintf("%s; %v", reason, rbErr), rbErr)
	}
	if cause == nil {
		cause = fmt.Errorf("deployment rolled back: %s", reason)
	}
	return c.finish(attempt, StateRolledBack, OutcomeRolledBack, reason, cause)
}

// finish records the terminal state exactly once and returns the
// attempt alongside the terminal error.
func (c *SyncController) finish(attempt *DeploymentAttempt, st State, outcome Outcome, reason string, err error) (*DeploymentAttempt, error) {
	c.transition(st, reason)
	attempt.Outcome = outcome
	attempt.FinishedAt = time.Now().UTC()
	attempt.Reason = reason

	if c.journal != nil {
		if jerr := c.journal.RecordFinal(attempt); jerr != nil {
			c.logger.Error("recording attempt in journal", "error", jerr)
		}
	}

	c.logger.Info("sync run finished",
		"run_id", attempt.RunID,
		"outcome", string(outcome),
		"reason", reason,
		"duration", attempt.FinishedAt.Sub(attempt.StartedAt).Round(time.Millisecond))
	return attempt, err
}

// transition moves the state machine and logs the edge.
func (c *SyncController) transition(to State, reason string) {
	c.logger.Info("state transition", "from", string(c.state), "to", string(to), "reason", reason)
	c.state = to
}

// CheckResult is the outcome of a read-only inspection run.
type CheckResult struct {
	// ChangeSet describes upstream divergence.
	ChangeSet *gitops.ChangeSet

	// Integrity is the patch check of the current tree.
	Integrity manifest.IntegrityReport
}

// Check inspects the deployment without mutating anything: fetch,
// detect divergence, and verify the current tree's patch integrity.
func (c *SyncController) Check(ctx context.Context) (*CheckResult, error) {
	c.transition(StateDetecting, "check requested")
	if err := c.detector.Fetch(ctx, c.cfg.Remote); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", c.cfg.Remote, err)
	}
	cs, err := c.detector.Detect(ctx, c.cfg.LocalRef, c.cfg.UpstreamRef)
	if err != nil {
		return nil, err
	}
	c.transition(StateIdle, "check finished")
	return &CheckResult{
		ChangeSet: cs,
		Integrity: manifest.Verify(c.patch, c.cfg.RepoDir),
	}, nil
}
