// Package manifest defines the patch manifest and the integrity
// verifier that checks a working tree against it.
//
// The manifest describes the custom patch set that must survive every
// upstream integration: the files that must exist and the marker
// substrings each file must contain. It is loaded once at process start
// and treated as immutable configuration afterwards.
package manifest

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PatchManifest is the static description of the protected patch set.
type PatchManifest struct {
	// RequiredFiles must exist in the working tree.
	RequiredFiles []string `yaml:"required_files"`

	// RequiredMarkers maps a path to the substrings that must be
	// present in that file. The file itself need not be listed in
	// RequiredFiles; a marker entry implies the file must exist.
	RequiredMarkers map[string][]string `yaml:"required_markers"`
}

// Load reads and parses a manifest YAML file.
//
// # Example manifest
//
//	required_files:
//	  - automem/embedding/gemini.py
//	required_markers:
//	  automem/embedding/gemini.py:
//	    - "gemini-embedding-001"
//	    - "class GeminiEmbeddingProvider"
//	  app.py:
//	    - "GeminiEmbeddingProvider"
func Load(path string) (*PatchManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m PatchManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	return &m, nil
}

// Validate checks the manifest describes at least one protection.
func (m *PatchManifest) Validate() error {
	if len(m.RequiredFiles) == 0 && len(m.RequiredMarkers) == 0 {
		return fmt.Errorf("manifest protects nothing: need required_files or required_markers")
	}
	for path, markers := range m.RequiredMarkers {
		if len(markers) == 0 {
			return fmt.Errorf("required_markers entry %q has no markers", path)
		}
	}
	return nil
}

// ProtectedPaths returns the union of required files and marker paths,
// sorted and deduplicated. The change detector uses it to flag
// risk-sensitive change sets.
func (m *PatchManifest) ProtectedPaths() []string {
	seen := make(map[string]struct{}, len(m.RequiredFiles)+len(m.RequiredMarkers))
	for _, f := range m.RequiredFiles {
		seen[f] = struct{}{}
	}
	for path := range m.RequiredMarkers {
		seen[path] = struct{}{}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
