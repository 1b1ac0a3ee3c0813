// Package gitops detects upstream divergence for the sync pipeline.
//
// All git access shells out through the process.Manager abstraction so
// detection logic is testable without a real repository.
package gitops

import (
	"fmt"
	"strings"
)

// Revision is an opaque identifier for one point in tracked history
// (a git commit hash). Immutable once created.
type Revision string

// String returns the revision hash.
func (r Revision) String() string { return string(r) }

// Short returns the abbreviated hash used in log output.
func (r Revision) Short() string {
	if len(r) > 12 {
		return string(r[:12])
	}
	return string(r)
}

// ChangeSet is the delta between the local and upstream revisions.
//
// Invariant: CommitCount == 0 exactly when BaseRevision == TargetRevision.
type ChangeSet struct {
	// BaseRevision is the resolved local revision (HEAD before the run).
	BaseRevision Revision

	// TargetRevision is the resolved upstream revision.
	TargetRevision Revision

	// CommitCount is the number of commits reachable from the upstream
	// revision but not from the common ancestor.
	CommitCount int

	// TouchedFiles lists the paths changed between the common ancestor
	// and the upstream revision (new path for renames/copies).
	TouchedFiles []string

	// Subjects holds the commit subjects of the new commits, newest
	// first. Fed to the risk classifier as context.
	Subjects []string

	// RiskSensitive is true when TouchedFiles intersects the patch
	// manifest's protected paths.
	RiskSensitive bool
}

// UpToDate reports whether there is nothing to pull.
func (c *ChangeSet) UpToDate() bool {
	return c.CommitCount == 0
}

// Summary returns a one-line description for logs and prompts.
func (c *ChangeSet) Summary() string {
	return fmt.Sprintf("%d commit(s), %d file(s), %s..%s",
		c.CommitCount, len(c.TouchedFiles), c.BaseRevision.Short(), c.TargetRevision.Short())
}

// RefResolutionError indicates a ref did not resolve to a revision in
// the tracked history. The run aborts before any mutation.
type RefResolutionError struct {
	// Ref is the ref that failed to resolve.
	Ref string

	// Wrapped is the underlying git error.
	Wrapped error
}

// Error implements the error interface.
func (e *RefResolutionError) Error() string {
	return fmt.Sprintf("ref %q did not resolve: %v", e.Ref, e.Wrapped)
}

// Unwrap returns the underlying error.
func (e *RefResolutionError) Unwrap() error { return e.Wrapped }

// touchesProtected reports whether path falls under any protected
// entry. An entry matches exactly or as a directory prefix.
func touchesProtected(path string, protected []string) bool {
	for _, p := range protected {
		p = strings.TrimSuffix(p, "/")
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
