package gitops

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/infra/process"
)

// Detector computes the divergence between local and upstream refs.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Detector interface {
	// Fetch updates the remote tracking refs for the given remote.
	Fetch(ctx context.Context, remote string) error

	// Detect resolves both refs and returns the ChangeSet between
	// them. Returns *RefResolutionError if either ref does not
	// resolve. A CommitCount of 0 means there is nothing to pull.
	Detect(ctx context.Context, localRef, upstreamRef string) (*ChangeSet, error)
}

// ShellDetector implements Detector by shelling out to git.
//
// # Description
//
// Resolution and counting follow the merge-base model: the common
// ancestor of local and upstream is computed first, then commits and
// changed files are measured from the ancestor to the upstream ref.
// This keeps the count correct even if the local branch carries
// commits upstream does not have.
//
// # Thread Safety
//
// ShellDetector is safe for concurrent use.
type ShellDetector struct {
	proc      process.Manager
	repoDir   string
	protected []string
}

// NewShellDetector creates a ShellDetector for the repository at
// repoDir. protected lists the patch manifest's protected paths used
// to derive ChangeSet.RiskSensitive.
func NewShellDetector(proc process.Manager, repoDir string, protected []string) *ShellDetector {
	return &ShellDetector{
		proc:      proc,
		repoDir:   repoDir,
		protected: protected,
	}
}

// Fetch runs `git fetch <remote>`.
func (d *ShellDetector) Fetch(ctx context.Context, remote string) error {
	if _, err := d.proc.Run(ctx, d.repoDir, nil, "git", "fetch", remote); err != nil {
		return fmt.Errorf("fetching %s: %w", remote, err)
	}
	return nil
}

// Detect resolves both refs and builds the ChangeSet.
func (d *ShellDetector) Detect(ctx context.Context, localRef, upstreamRef string) (*ChangeSet, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	local, err := d.resolve(ctx, localRef)
	if err != nil {
		return nil, err
	}
	upstream, err := d.resolve(ctx, upstreamRef)
	if err != nil {
		return nil, err
	}

	ancestor, err := d.mergeBase(ctx, local, upstream)
	if err != nil {
		return nil, err
	}

	count, err := d.countCommits(ctx, ancestor, upstream)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{
		BaseRevision:   local,
		TargetRevision: upstream,
		CommitCount:    count,
	}
	if count == 0 {
		// Nothing new upstream. Normalize so the up-to-date invariant
		// (count == 0 iff base == target) holds even when the local
		// branch is ahead.
		cs.TargetRevision = local
		return cs, nil
	}

	files, err := d.changedFiles(ctx, ancestor, upstream)
	if err != nil {
		return nil, err
	}
	cs.TouchedFiles = files

	subjects, err := d.subjects(ctx, ancestor, upstream)
	if err != nil {
		return nil, err
	}
	cs.Subjects = subjects

	for _, f := range files {
		if touchesProtected(f, d.protected) {
			cs.RiskSensitive = true
			break
		}
	}

	return cs, nil
}

// resolve runs `git rev-parse --verify <ref>^{commit}`.
func (d *ShellDetector) resolve(ctx context.Context, ref string) (Revision, error) {
	res, err := d.proc.Run(ctx, d.repoDir, nil, "git", "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", &RefResolutionError{Ref: ref, Wrapped: err}
	}
	return Revision(strings.TrimSpace(res.Stdout)), nil
}

// mergeBase returns the common ancestor of two revisions.
func (d *ShellDetector) mergeBase(ctx context.Context, a, b Revision) (Revision, error) {
	res, err := d.proc.Run(ctx, d.repoDir, nil, "git", "merge-base", a.String(), b.String())
	if err != nil {
		return "", fmt.Errorf("computing merge base of %s and %s: %w", a.Short(), b.Short(), err)
	}
	return Revision(strings.TrimSpace(res.Stdout)), nil
}

// countCommits counts commits reachable from `to` but not from `from`.
func (d *ShellDetector) countCommits(ctx context.Context, from, to Revision) (int, error) {
	res, err := d.proc.Run(ctx, d.repoDir, nil, "git", "rev-list", "--count", from.String()+".."+to.String())
	if err != nil {
		return 0, fmt.Errorf("counting commits: %w", err)
	}
	count, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("parsing commit count %q: %w", res.Stdout, err)
	}
	return count, nil
}

// changedFiles parses `git diff --name-status from to`.
func (d *ShellDetector) changedFiles(ctx context.Context, from, to Revision) ([]string, error) {
	res, err := d.proc.Run(ctx, d.repoDir, nil, "git", "diff", "--name-status", from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", from.Short(), to.Short(), err)
	}
	return parseNameStatus(res.Stdout)
}

// subjects lists commit subjects between two revisions, newest first.
func (d *ShellDetector) subjects(ctx context.Context, from, to Revision) ([]string, error) {
	res, err := d.proc.Run(ctx, d.repoDir, nil, "git", "log", "--format=%s", from.String()+".."+to.String())
	if err != nil {
		return nil, fmt.Errorf("listing commit subjects: %w", err)
	}
	var subjects []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// parseNameStatus parses git --name-status output.
// Format: M\tpath/to/file.py
//
//	R100\told/path.py\tnew/path.py
//
// Rename and copy rows contribute the new path.
func parseNameStatus(output string) ([]string, error) {
	var result []string

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}

		status := parts[0]
		path := parts[1]

		if (strings.HasPrefix(status, "R") || strings.HasPrefix(status, "C")) && len(parts) >= 3 {
			path = parts[2]
		}

		result = append(result, filepath.ToSlash(path))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parsing git output: %w", err)
	}

	return result, nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockDetector is a test double for Detector.
//
// Configure by setting function fields; calling an unset method panics.
// Invocations are recorded for verification.
type MockDetector struct {
	// FetchFunc is called when Fetch is invoked.
	FetchFunc func(ctx context.Context, remote string) error

	// DetectFunc is called when Detect is invoked.
	DetectFunc func(ctx context.Context, localRef, upstreamRef string) (*ChangeSet, error)

	// Calls records method invocations.
	Calls []string

	mu sync.Mutex
}

// Fetch delegates to FetchFunc and records the call.
func (m *MockDetector) Fetch(ctx context.Context, remote string) error {
	m.record("Fetch")
	if m.FetchFunc == nil {
		panic("MockDetector.FetchFunc not set")
	}
	return m.FetchFunc(ctx, remote)
}

// Detect delegates to DetectFunc and records the call.
func (m *MockDetector) Detect(ctx context.Context, localRef, upstreamRef string) (*ChangeSet, error) {
	m.record("Detect")
	if m.DetectFunc == nil {
		panic("MockDetector.DetectFunc not set")
	}
	return m.DetectFunc(ctx, localRef, upstreamRef)
}

func (m *MockDetector) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, method)
}

// GetCalls returns a copy of the recorded method names.
func (m *MockDetector) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance checks.
var (
	_ Detector = (*ShellDetector)(nil)
	_ Detector = (*MockDetector)(nil)
)
