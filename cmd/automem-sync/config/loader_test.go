package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
repo:
  dir: /srv/automem
  manifest_path: /srv/automem/patch-manifest.yaml
service:
  base_url: http://localhost:8001
  expected_provider: gemini
`

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Repo.Dir != "/srv/automem" {
		t.Errorf("Repo.Dir = %q", cfg.Repo.Dir)
	}
	if cfg.Service.ExpectedProvider != "gemini" {
		t.Errorf("ExpectedProvider = %q", cfg.Service.ExpectedProvider)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"remote", cfg.Repo.Remote, "upstream"},
		{"local ref", cfg.Repo.LocalRef, "HEAD"},
		{"upstream ref", cfg.Repo.UpstreamRef, "upstream/main"},
		{"token env", cfg.Service.TokenEnv, "AUTOMEM_API_TOKEN"},
		{"webhook port", cfg.Webhook.Port, 9000},
		{"webhook secret env", cfg.Webhook.SecretEnv, "AUTOMEM_WEBHOOK_SECRET"},
		{"risk model", cfg.Risk.Model, "gpt-4o-mini"},
		{"log level", cfg.Log.Level, "info"},
		{"compose bin", cfg.Deploy.ComposeBin, "docker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if len(cfg.Service.Stores) != 2 {
		t.Errorf("Stores default = %v, want falkordb+qdrant", cfg.Service.Stores)
	}
	if len(cfg.Deploy.ComposeFiles) != 1 || cfg.Deploy.ComposeFiles[0] != "docker-compose.yml" {
		t.Errorf("ComposeFiles default = %v", cfg.Deploy.ComposeFiles)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "repo: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			"missing repo dir",
			`
repo:
  manifest_path: /srv/automem/patch-manifest.yaml
service:
  base_url: http://localhost:8001
`,
		},
		{
			"missing manifest path",
			`
repo:
  dir: /srv/automem
service:
  base_url: http://localhost:8001
`,
		},
		{
			"bad base url",
			`
repo:
  dir: /srv/automem
  manifest_path: /srv/automem/patch-manifest.yaml
service:
  base_url: not-a-url
`,
		},
		{
			"bad log level",
			validConfig + `
log:
  level: loud
`,
		},
		{
			"port out of range",
			validConfig + `
webhook:
  port: 70000
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.config)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoad_ExpandsHomePaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
repo:
  dir: ~/deploy/automem
  manifest_path: ~/deploy/automem/patch-manifest.yaml
service:
  base_url: http://localhost:8001
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if strings.HasPrefix(cfg.Repo.Dir, "~") {
		t.Errorf("Repo.Dir not expanded: %q", cfg.Repo.Dir)
	}
	if strings.HasPrefix(cfg.StateDir, "~") {
		t.Errorf("StateDir not expanded: %q", cfg.StateDir)
	}
}

func TestConfig_SecretsComeFromEnv(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("AUTOMEM_API_TOKEN", "token-123")
	t.Setenv("AUTOMEM_WEBHOOK_SECRET", "hook-456")

	if got := cfg.Token(); got != "token-123" {
		t.Errorf("Token() = %q", got)
	}
	if got := cfg.WebhookSecret(); got != "hook-456" {
		t.Errorf("WebhookSecret() = %q", got)
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReadyMaxWait().Seconds() != 120 {
		t.Errorf("ReadyMaxWait = %v", cfg.ReadyMaxWait())
	}
	if cfg.BuildTimeout().Seconds() != 600 {
		t.Errorf("BuildTimeout = %v", cfg.BuildTimeout())
	}
	if cfg.RiskTimeout().Seconds() != 30 {
		t.Errorf("RiskTimeout = %v", cfg.RiskTimeout())
	}
}
