// Package process abstracts external process execution and inter-process
// locking for the sync pipeline.
//
// Every git and compose invocation goes through the Manager interface so
// the pipeline can be tested without executing real processes. The
// MockManager captures invocations and returns scripted results.
package process

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/util"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Result holds the outcome of one external command.
type Result struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the process exit code (0 on success, -1 if the
	// process never started).
	ExitCode int

	// Duration is the wall-clock execution time.
	Duration time.Duration
}

// Manager handles external process operations.
//
// # Description
//
// Abstracts os/exec so the deployment pipeline is testable: mock process
// execution, capture and verify invocations, simulate failure scenarios
// without real processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple
// goroutines.
//
// # Context Handling
//
// All methods accept a context.Context; long-running commands must
// respect cancellation and deadlines.
type Manager interface {
	// Run executes a command synchronously in dir and returns the
	// captured result.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - dir: Working directory ("" for the process default)
	//   - env: Extra environment entries appended to the parent's
	//     environment, "KEY=value" form (nil for none)
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - *Result: Captured stdout/stderr, exit code, and duration.
	//     Non-nil even on command failure so callers can inspect stderr.
	//   - error: Non-nil if the command exited non-zero, failed to
	//     start, or the context was cancelled. Command failures are
	//     *util.CommandError.
	//
	// # Example
	//
	//	res, err := mgr.Run(ctx, repoDir, nil, "git", "rev-parse", "--verify", "HEAD")
	//	if err != nil {
	//	    return fmt.Errorf("resolving HEAD: %w", err)
	//	}
	//	head := strings.TrimSpace(res.Stdout)
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// ExecManager implements Manager using os/exec. This is the production
// implementation; use MockManager in tests.
type ExecManager struct{}

// NewExecManager creates a Manager that executes real processes.
func NewExecManager() *ExecManager {
	return &ExecManager{}
}

// Run executes the command and captures its output.
func (m *ExecManager) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCodeOf(cmd, err),
		Duration: time.Since(start),
	}

	if err != nil {
		display := name + " " + strings.Join(args, " ")
		return result, util.NewCommandError(display, result.ExitCode, result.Stderr, err)
	}
	return result, nil
}

// exitCodeOf extracts the exit code from a finished command.
func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		return -1
	}
	return 0
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockManager is a test double for Manager.
//
// Configure the mock by setting RunFunc before use; calling Run with a
// nil RunFunc panics. All invocations are recorded for verification.
//
// # Example
//
//	mock := &MockManager{
//	    RunFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
//	        if name == "git" && args[0] == "rev-parse" {
//	            return &Result{Stdout: "abc123\n"}, nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s %v", name, args)
//	    },
//	}
type MockManager struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error)

	// Calls records all method invocations for verification.
	Calls []ManagerCall

	// mu protects Calls for concurrent access.
	mu sync.Mutex
}

// ManagerCall records a single Run invocation.
type ManagerCall struct {
	Dir  string
	Name string
	Args []string
}

// Run delegates to RunFunc and records the call.
func (m *MockManager) Run(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, ManagerCall{
		Dir:  dir,
		Name: name,
		Args: args,
	})
	fn := m.RunFunc
	m.mu.Unlock()
	if fn == nil {
		panic("MockManager.RunFunc not set")
	}
	return fn(ctx, dir, env, name, args...)
}

// Reset clears all recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockManager) GetCalls() []ManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ Manager = (*ExecManager)(nil)
	_ Manager = (*MockManager)(nil)
)
