// Package config loads and validates the automem-sync configuration
// file. Secrets never live in the YAML; the file names the environment
// variables that carry them.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the root configuration.
type Config struct {
	// Repo describes the deployment checkout and its upstream.
	Repo RepoConfig `yaml:"repo"`

	// Service describes the deployed memory service.
	Service ServiceConfig `yaml:"service"`

	// Deploy configures the container rebuild/restart.
	Deploy DeployConfig `yaml:"deploy"`

	// Risk configures the change-risk classifier.
	Risk RiskConfig `yaml:"risk"`

	// Webhook configures the HTTP trigger server.
	Webhook WebhookConfig `yaml:"webhook"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// StateDir holds the attempt journal and the run lock.
	// Default: ~/.automem-sync.
	StateDir string `yaml:"state_dir"`
}

// RepoConfig describes the checkout being synced.
type RepoConfig struct {
	// Dir is the deployment checkout path.
	Dir string `yaml:"dir" validate:"required"`

	// Remote is the upstream remote name. Default: "upstream".
	Remote string `yaml:"remote"`

	// LocalRef and UpstreamRef are the compared refs.
	// Defaults: "HEAD" and "upstream/main".
	LocalRef    string `yaml:"local_ref"`
	UpstreamRef string `yaml:"upstream_ref"`

	// ManifestPath is the patch manifest YAML.
	ManifestPath string `yaml:"manifest_path" validate:"required"`
}

// ServiceConfig describes the deployed memory service.
type ServiceConfig struct {
	// BaseURL is the service API root, e.g. "http://localhost:8001".
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// TokenEnv names the environment variable holding the API token.
	// Default: "AUTOMEM_API_TOKEN".
	TokenEnv string `yaml:"token_env"`

	// Stores lists the backing stores the health document must report,
	// e.g. ["falkordb", "qdrant"].
	Stores []string `yaml:"stores"`

	// ExpectedProvider is the embedding-provider prefix the patched
	// service must report, e.g. "gemini".
	ExpectedProvider string `yaml:"expected_provider"`

	// CompanionURL is an optional secondary liveness endpoint.
	CompanionURL string `yaml:"companion_url" validate:"omitempty,url"`

	// ReadyMaxWaitSeconds bounds the post-restart readiness wait.
	// Default: 120.
	ReadyMaxWaitSeconds int `yaml:"ready_max_wait_seconds" validate:"gte=0"`
}

// DeployConfig configures the container rebuild.
type DeployConfig struct {
	// ComposeFiles are layered in order, base first.
	// Default: ["docker-compose.yml"].
	ComposeFiles []string `yaml:"compose_files"`

	// ComposeBin is the container tool. Default: "docker".
	ComposeBin string `yaml:"compose_bin"`

	// BuildTimeoutSeconds bounds the image build. Default: 600.
	BuildTimeoutSeconds int `yaml:"build_timeout_seconds" validate:"gte=0"`

	// UpTimeoutSeconds bounds the stack restart. Default: 300.
	UpTimeoutSeconds int `yaml:"up_timeout_seconds" validate:"gte=0"`
}

// RiskConfig configures the change-risk classifier. The API key comes
// from OPENAI_API_KEY or /run/secrets, never from this file.
type RiskConfig struct {
	// Model is the classifier model name. Default: "gpt-4o-mini".
	Model string `yaml:"model"`

	// TimeoutSeconds bounds one classification. Default: 30. A timed
	// out classification is treated as an UNKNOWN verdict.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gte=0"`
}

// WebhookConfig configures the HTTP trigger server. The shared secret
// comes from the environment variable named by SecretEnv.
type WebhookConfig struct {
	// Port to listen on. Default: 9000.
	Port int `yaml:"port" validate:"gte=0,lte=65535"`

	// SecretEnv names the environment variable holding the webhook
	// secret. Default: "AUTOMEM_WEBHOOK_SECRET".
	SecretEnv string `yaml:"secret_env"`

	// SyncTimeoutSeconds bounds a triggered deploy. Default: 300.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds" validate:"gte=0"`

	// CheckTimeoutSeconds bounds a triggered check. Default: 60.
	CheckTimeoutSeconds int `yaml:"check_timeout_seconds" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: "info".
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir is the log file directory. Default: ~/.automem-sync/logs.
	Dir string `yaml:"dir"`
}

// applyDefaults fills zero fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Remote == "" {
		c.Repo.Remote = "upstream"
	}
	if c.Repo.LocalRef == "" {
		c.Repo.LocalRef = "HEAD"
	}
	if c.Repo.UpstreamRef == "" {
		c.Repo.UpstreamRef = "upstream/main"
	}
	if c.Service.TokenEnv == "" {
		c.Service.TokenEnv = "AUTOMEM_API_TOKEN"
	}
	if len(c.Service.Stores) == 0 {
		c.Service.Stores = []string{"falkordb", "qdrant"}
	}
	if c.Service.ReadyMaxWaitSeconds == 0 {
		c.Service.ReadyMaxWaitSeconds = 120
	}
	if len(c.Deploy.ComposeFiles) == 0 {
		c.Deploy.ComposeFiles = []string{"docker-compose.yml"}
	}
	if c.Deploy.ComposeBin == "" {
		c.Deploy.ComposeBin = "docker"
	}
	if c.Deploy.BuildTimeoutSeconds == 0 {
		c.Deploy.BuildTimeoutSeconds = 600
	}
	if c.Deploy.UpTimeoutSeconds == 0 {
		c.Deploy.UpTimeoutSeconds = 300
	}
	if c.Risk.Model == "" {
		c.Risk.Model = "gpt-4o-mini"
	}
	if c.Risk.TimeoutSeconds == 0 {
		c.Risk.TimeoutSeconds = 30
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 9000
	}
	if c.Webhook.SecretEnv == "" {
		c.Webhook.SecretEnv = "AUTOMEM_WEBHOOK_SECRET"
	}
	if c.Webhook.SyncTimeoutSeconds == 0 {
		c.Webhook.SyncTimeoutSeconds = 300
	}
	if c.Webhook.CheckTimeoutSeconds == 0 {
		c.Webhook.CheckTimeoutSeconds = 60
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.StateDir == "" {
		c.StateDir = "~/.automem-sync"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = c.StateDir + "/logs"
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Token returns the service API token from the configured environment
// variable. Empty when unset; the client then sends no auth header.
func (c *Config) Token() string {
	return os.Getenv(c.Service.TokenEnv)
}

// WebhookSecret returns the webhook secret from the configured
// environment variable.
func (c *Config) WebhookSecret() string {
	return os.Getenv(c.Webhook.SecretEnv)
}

// ReadyMaxWait returns the readiness budget as a duration.
func (c *Config) ReadyMaxWait() time.Duration {
	return time.Duration(c.Service.ReadyMaxWaitSeconds) * time.Second
}

// BuildTimeout returns the build budget as a duration.
func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.Deploy.BuildTimeoutSeconds) * time.Second
}

// UpTimeout returns the restart budget as a duration.
func (c *Config) UpTimeout() time.Duration {
	return time.Duration(c.Deploy.UpTimeoutSeconds) * time.Second
}

// RiskTimeout returns the classifier budget as a duration.
func (c *Config) RiskTimeout() time.Duration {
	return time.Duration(c.Risk.TimeoutSeconds) * time.Second
}
