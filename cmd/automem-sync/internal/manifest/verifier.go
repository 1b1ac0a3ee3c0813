package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Miss reasons reported in an IntegrityReport.
const (
	ReasonMissingFile   = "missing file"
	ReasonMissingMarker = "missing marker"
	ReasonUnreadable    = "unreadable"
)

// MarkerMiss is one integrity failure: a missing file, an unreadable
// file, or a file that no longer contains a required marker.
type MarkerMiss struct {
	// Path is the file path relative to the working tree.
	Path string

	// Marker is the missing substring ("" for file-level failures).
	Marker string

	// Reason is one of the Reason* constants.
	Reason string
}

// String formats the miss for logs and operator output.
func (m MarkerMiss) String() string {
	if m.Marker == "" {
		return fmt.Sprintf("%s: %s", m.Path, m.Reason)
	}
	return fmt.Sprintf("%s: %s %q", m.Path, m.Reason, m.Marker)
}

// IntegrityReport is the result of one verification pass. Produced
// fresh on each call; never persisted.
type IntegrityReport struct {
	// Passed is true when no misses were found.
	Passed bool

	// Missing lists every failure, ordered by path then marker. All
	// failures are collected so a caller deciding whether to roll
	// back sees the full diagnostic, not just the first.
	Missing []MarkerMiss
}

// Verify checks the working tree at treeDir against the manifest.
//
// # Description
//
// Every required file is checked for existence, and every (path,
// marker) pair is checked for substring presence. Failures never
// short-circuit. Read-only: the tree is not modified.
//
// # Inputs
//
//   - m: The manifest to verify against. Must not be nil.
//   - treeDir: Root of the working tree.
//
// # Outputs
//
//   - IntegrityReport: Passed plus the ordered list of misses.
func Verify(m *PatchManifest, treeDir string) IntegrityReport {
	var missing []MarkerMiss

	for _, rel := range m.RequiredFiles {
		if _, err := os.Stat(filepath.Join(treeDir, rel)); err != nil {
			missing = append(missing, MarkerMiss{Path: rel, Reason: ReasonMissingFile})
		}
	}

	// Deterministic order over the marker map.
	paths := make([]string, 0, len(m.RequiredMarkers))
	for path := range m.RequiredMarkers {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		markers := m.RequiredMarkers[rel]
		data, err := os.ReadFile(filepath.Join(treeDir, rel))
		if err != nil {
			reason := ReasonUnreadable
			if os.IsNotExist(err) {
				reason = ReasonMissingFile
			}
			for _, marker := range markers {
				missing = append(missing, MarkerMiss{Path: rel, Marker: marker, Reason: reason})
			}
			continue
		}
		for _, marker := range markers {
			if !bytes.Contains(data, []byte(marker)) {
				missing = append(missing, MarkerMiss{Path: rel, Marker: marker, Reason: ReasonMissingMarker})
			}
		}
	}

	return IntegrityReport{
		Passed:  len(missing) == 0,
		Missing: missing,
	}
}
