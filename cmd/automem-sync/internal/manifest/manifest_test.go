package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestLoad_ValidManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "patch.yaml", `
required_files:
  - automem/embedding/gemini.py
required_markers:
  automem/embedding/gemini.py:
    - "gemini-embedding-001"
    - "class GeminiEmbeddingProvider"
  app.py:
    - "GeminiEmbeddingProvider"
`)

	m, err := Load(filepath.Join(dir, "patch.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.RequiredFiles) != 1 {
		t.Errorf("RequiredFiles = %v", m.RequiredFiles)
	}
	if len(m.RequiredMarkers["automem/embedding/gemini.py"]) != 2 {
		t.Errorf("markers = %v", m.RequiredMarkers)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty manifest", "{}\n"},
		{"markers without entries", "required_markers:\n  app.py: []\n"},
		{"invalid yaml", ":\n  - ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() error = nil for missing file")
	}
}

func TestPatchManifest_ProtectedPaths(t *testing.T) {
	m := &PatchManifest{
		RequiredFiles: []string{"b.py", "a.py"},
		RequiredMarkers: map[string][]string{
			"a.py": {"marker"},
			"c.py": {"marker"},
		},
	}

	got := m.ProtectedPaths()
	want := []string{"a.py", "b.py", "c.py"}
	if len(got) != len(want) {
		t.Fatalf("ProtectedPaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVerify_AllPresent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "automem/embedding/gemini.py",
		"class GeminiEmbeddingProvider:\n    model = \"gemini-embedding-001\"\n")
	writeFile(t, dir, "app.py", "from automem.embedding import GeminiEmbeddingProvider\n")

	m := &PatchManifest{
		RequiredFiles: []string{"automem/embedding/gemini.py"},
		RequiredMarkers: map[string][]string{
			"automem/embedding/gemini.py": {"gemini-embedding-001", "class GeminiEmbeddingProvider"},
			"app.py":                      {"GeminiEmbeddingProvider"},
		},
	}

	report := Verify(m, dir)
	if !report.Passed {
		t.Errorf("Passed = false, misses: %v", report.Missing)
	}
	if len(report.Missing) != 0 {
		t.Errorf("Missing = %v, want empty", report.Missing)
	}
}

func TestVerify_CollectsAllFailures(t *testing.T) {
	dir := t.TempDir()
	// gemini.py lost one of its two markers; app.py is gone entirely.
	writeFile(t, dir, "automem/embedding/gemini.py", "class GeminiEmbeddingProvider:\n")

	m := &PatchManifest{
		RequiredFiles: []string{"automem/embedding/gemini.py", "app.py"},
		RequiredMarkers: map[string][]string{
			"automem/embedding/gemini.py": {"gemini-embedding-001", "class GeminiEmbeddingProvider"},
			"app.py":                      {"GeminiEmbeddingProvider"},
		},
	}

	report := Verify(m, dir)
	if report.Passed {
		t.Fatal("Passed = true, want false")
	}

	// One missing required file, one missing marker, one marker on a
	// missing file. Every failure must be present, not just the first.
	if len(report.Missing) != 3 {
		t.Fatalf("len(Missing) = %d, want 3: %v", len(report.Missing), report.Missing)
	}

	byReason := map[string]int{}
	for _, miss := range report.Missing {
		byReason[miss.Reason]++
	}
	if byReason[ReasonMissingFile] != 2 {
		t.Errorf("missing-file count = %d, want 2", byReason[ReasonMissingFile])
	}
	if byReason[ReasonMissingMarker] != 1 {
		t.Errorf("missing-marker count = %d, want 1", byReason[ReasonMissingMarker])
	}
}

func TestVerify_DeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	m := &PatchManifest{
		RequiredMarkers: map[string][]string{
			"z.py": {"m"},
			"a.py": {"m"},
		},
	}

	first := Verify(m, dir)
	second := Verify(m, dir)
	if len(first.Missing) != 2 || len(second.Missing) != 2 {
		t.Fatalf("unexpected miss counts: %v / %v", first.Missing, second.Missing)
	}
	if first.Missing[0].Path != "a.py" {
		t.Errorf("first miss = %q, want a.py (sorted)", first.Missing[0].Path)
	}
	for i := range first.Missing {
		if first.Missing[i] != second.Missing[i] {
			t.Errorf("order not deterministic at %d: %v vs %v", i, first.Missing[i], second.Missing[i])
		}
	}
}

func TestMarkerMiss_String(t *testing.T) {
	withMarker := MarkerMiss{Path: "app.py", Marker: "Provider", Reason: ReasonMissingMarker}
	if got := withMarker.String(); got != `app.py: missing marker "Provider"` {
		t.Errorf("String() = %q", got)
	}
	fileOnly := MarkerMiss{Path: "app.py", Reason: ReasonMissingFile}
	if got := fileOnly.String(); got != "app.py: missing file" {
		t.Errorf("String() = %q", got)
	}
}
