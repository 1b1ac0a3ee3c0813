// Package deploy applies change sets to the working tree and drives the
// container rebuild/restart of the target service stack.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/infra/process"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// ApplyError indicates the working tree could not be advanced to the
// target revision (conflict or divergence). Terminal for the run: no
// partial state is assumed recoverable, and nothing was deployed yet.
type ApplyError struct {
	// Target is the revision the apply aimed for.
	Target gitops.Revision

	// Wrapped is the underlying git error.
	Wrapped error
}

// Error implements the error interface.
func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %s failed: %v", e.Target.Short(), e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *ApplyError) Unwrap() error { return e.Wrapped }

// RedeployError indicates the rebuild/restart step itself errored.
// Distinct from a health failure, which is judged after the restart.
type RedeployError struct {
	// Step is "build" or "up".
	Step string

	// Wrapped is the underlying compose error.
	Wrapped error
}

// Error implements the error interface.
func (e *RedeployError) Error() string {
	return fmt.Sprintf("redeploy %s step failed: %v", e.Step, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *RedeployError) Unwrap() error { return e.Wrapped }

// Executor applies change sets and rebuilds the service stack.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use, though the pipeline
// calls them strictly sequentially.
type Executor interface {
	// Apply advances the working tree to the change set's target
	// revision. Returns the revision the tree ended at, or
	// *ApplyError on conflict.
	Apply(ctx context.Context, cs *gitops.ChangeSet) (gitops.Revision, error)

	// Redeploy rebuilds and restarts the service stack. Idempotent:
	// calling it twice in a row converges to the same running state.
	// Returns *RedeployError if the build or restart itself fails.
	Redeploy(ctx context.Context) error

	// Revert hard-resets the working tree to the given revision.
	// Used by the rollback path.
	Revert(ctx context.Context, rev gitops.Revision) error
}

// Config configures a ComposeExecutor.
type Config struct {
	// RepoDir is the deployment checkout the stack is built from.
	RepoDir string

	// ComposeFiles are layered with -f in order, base first.
	// Default: ["docker-compose.yml"].
	ComposeFiles []string

	// ComposeBin is the container tool. Default: "docker" (invoked as
	// `docker compose ...`).
	ComposeBin string

	// BuildTimeout bounds the image build. Default: 10m.
	BuildTimeout time.Duration

	// UpTimeout bounds the stack restart. Default: 5m.
	UpTimeout time.Duration
}

// applyDefaults fills zero fields.
func (c *Config) applyDefaults() {
	if len(c.ComposeFiles) == 0 {
		c.ComposeFiles = []string{"docker-compose.yml"}
	}
	if c.ComposeBin == "" {
		c.ComposeBin = "docker"
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 10 * time.Minute
	}
	if c.UpTimeout <= 0 {
		c.UpTimeout = 5 * time.Minute
	}
}

// ComposeExecutor implements Executor with git for tree operations and
// docker compose for the stack.
//
// # Description
//
// Apply is a fast-forward-only merge: the deployment checkout must
// never diverge from upstream by itself, so anything that is not a
// clean fast-forward is a conflict and aborts the run. Redeploy is
// `compose build` followed by `compose up -d`; `up -d` converges
// running state, which is what makes Redeploy idempotent.
//
// # Thread Safety
//
// ComposeExecutor serializes its operations with an internal mutex.
type ComposeExecutor struct {
	cfg    Config
	proc   process.Manager
	logger *logging.Logger
	mu     sync.Mutex
}

// NewComposeExecutor creates a ComposeExecutor.
func NewComposeExecutor(cfg Config, proc process.Manager, logger *logging.Logger) *ComposeExecutor {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &ComposeExecutor{cfg: cfg, proc: proc, logger: logger}
}

// Apply fast-forwards the working tree to the target revision.
func (e *ComposeExecutor) Apply(ctx context.Context, cs *gitops.ChangeSet) (gitops.Revision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	target := cs.TargetRevision
	e.logger.Info("applying change set", "target", target.Short(), "commits", cs.CommitCount)

	if _, err := e.proc.Run(ctx, e.cfg.RepoDir, nil, "git", "merge", "--ff-only", target.String()); err != nil {
		return "", &ApplyError{Target: target, Wrapped: err}
	}

	res, err := e.proc.Run(ctx, e.cfg.RepoDir, nil, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", &ApplyError{Target: target, Wrapped: err}
	}
	head := gitops.Revision(strings.TrimSpace(res.Stdout))
	if head != target {
		return head, &ApplyError{Target: target, Wrapped: fmt.Errorf("tree at %s after merge", head.Short())}
	}
	return head, nil
}

// Redeploy rebuilds images and restarts the stack.
func (e *ComposeExecutor) Redeploy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	buildCtx, cancel := context.WithTimeout(ctx, e.cfg.BuildTimeout)
	defer cancel()
	e.logger.Info("building service images")
	if _, err := e.proc.Run(buildCtx, e.cfg.RepoDir, nil, e.cfg.ComposeBin, e.composeArgs("build")...); err != nil {
		return &RedeployError{Step: "build", Wrapped: err}
	}

	upCtx, cancel := context.WithTimeout(ctx, e.cfg.UpTimeout)
	defer cancel()
	e.logger.Info("restarting service stack")
	if _, err := e.proc.Run(upCtx, e.cfg.RepoDir, nil, e.cfg.ComposeBin, e.composeArgs("up", "-d")...); err != nil {
		return &RedeployError{Step: "up", Wrapped: err}
	}
	return nil
}

// Revert hard-resets the working tree to rev.
func (e *ComposeExecutor) Revert(ctx context.Context, rev gitops.Revision) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Info("reverting working tree", "revision", rev.Short())
	if _, err := e.proc.Run(ctx, e.cfg.RepoDir, nil, "git", "reset", "--hard", rev.String()); err != nil {
		return fmt.Errorf("resetting tree to %s: %w", rev.Short(), err)
	}
	return nil
}

// composeArgs builds the compose invocation with -f layering.
func (e *ComposeExecutor) composeArgs(subcommand ...string) []string {
	args := []string{"compose"}
	for _, f := range e.cfg.ComposeFiles {
		args = append(args, "-f", f)
	}
	return append(args, subcommand...)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockExecutor is a test double for Executor.
type MockExecutor struct {
	// ApplyFunc is called when Apply is invoked.
	ApplyFunc func(ctx context.Context, cs *gitops.ChangeSet) (gitops.Revision, error)

	// RedeployFunc is called when Redeploy is invoked.
	RedeployFunc func(ctx context.Context) error

	// RevertFunc is called when Revert is invoked.
	RevertFunc func(ctx context.Context, rev gitops.Revision) error

	// Calls records method invocations in order. Revert calls record
	// the target revision as "Revert:<rev>".
	Calls []string

	mu sync.Mutex
}

// Apply delegates to ApplyFunc and records the call.
func (m *MockExecutor) Apply(ctx context.Context, cs *gitops.ChangeSet) (gitops.Revision, error) {
	m.record("Apply")
	if m.ApplyFunc == nil {
		panic("MockExecutor.ApplyFunc not set")
	}
	return m.ApplyFunc(ctx, cs)
}

// Redeploy delegates to RedeployFunc and records the call.
func (m *MockExecutor) Redeploy(ctx context.Context) error {
	m.record("Redeploy")
	if m.RedeployFunc == nil {
		panic("MockExecutor.RedeployFunc not set")
	}
	return m.RedeployFunc(ctx)
}

// Revert delegates to RevertFunc and records the call.
func (m *MockExecutor) Revert(ctx context.Context, rev gitops.Revision) error {
	m.record("Revert:" + rev.String())
	if m.RevertFunc == nil {
		panic("MockExecutor.RevertFunc not set")
	}
	return m.RevertFunc(ctx, rev)
}

func (m *MockExecutor) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockExecutor) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance checks.
var (
	_ Executor = (*ComposeExecutor)(nil)
	_ Executor = (*MockExecutor)(nil)
)
