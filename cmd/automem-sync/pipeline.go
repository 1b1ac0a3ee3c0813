package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/meanin2/automem-sync/cmd/automem-sync/config"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/deploy"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/health"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/infra/process"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/manifest"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/memapi"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/risk"
	"github.com/meanin2/automem-sync/pkg/logging"
)

// pipeline bundles the wired controller with the journal the status
// command reads.
type pipeline struct {
	controller *controller.SyncController
	journal    *controller.Journal
}

// buildPipeline wires all components from the loaded configuration.
// unattended hardens the run: no prompts, CAUTION/UNKNOWN abort. A
// non-terminal stdin forces unattended regardless of flags.
func buildPipeline(cfg *config.Config, logger *logging.Logger, unattended bool) (*pipeline, error) {
	patch, err := manifest.Load(cfg.Repo.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("loading patch manifest: %w", err)
	}

	client, err := memapi.NewClient(cfg.Service.BaseURL, cfg.Token(), 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("building service client: %w", err)
	}

	proc := process.NewExecManager()
	detector := gitops.NewShellDetector(proc, cfg.Repo.Dir, patch.ProtectedPaths())
	executor := deploy.NewComposeExecutor(deploy.Config{
		RepoDir:      cfg.Repo.Dir,
		ComposeFiles: cfg.Deploy.ComposeFiles,
		ComposeBin:   cfg.Deploy.ComposeBin,
		BuildTimeout: cfg.BuildTimeout(),
		UpTimeout:    cfg.UpTimeout(),
	}, proc, logger)
	verifier := health.NewServiceVerifier(client, health.Config{
		Stores:           cfg.Service.Stores,
		ExpectedProvider: cfg.Service.ExpectedProvider,
		CompanionURL:     cfg.Service.CompanionURL,
		ReadyMaxWait:     cfg.ReadyMaxWait(),
	}, logger)

	journal := controller.NewJournal(filepath.Join(cfg.StateDir, "attempts.json"))
	lock := process.NewRunLock(process.RunLockConfig{LockDir: cfg.StateDir})

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		unattended = true
	}
	var confirm controller.ConfirmFunc
	if !unattended {
		confirm = promptConfirm
	}

	ctrl := controller.NewSyncController(controller.Config{
		Remote:      cfg.Repo.Remote,
		LocalRef:    cfg.Repo.LocalRef,
		UpstreamRef: cfg.Repo.UpstreamRef,
		RepoDir:     cfg.Repo.Dir,
		Unattended:  unattended,
		Confirm:     confirm,
	}, detector, buildAnalyzer(cfg, logger), patch, executor, verifier, journal, lock, logger)

	return &pipeline{controller: ctrl, journal: journal}, nil
}

// buildAnalyzer returns the LLM classifier when an API key is
// available, otherwise a StaticAnalyzer pinned to UNKNOWN so the
// pipeline still asks for confirmation (or aborts unattended) rather
// than pulling blind.
func buildAnalyzer(cfg *config.Config, logger *logging.Logger) risk.Analyzer {
	analyzer, err := risk.NewLLMAnalyzer(risk.LLMAnalyzerConfig{
		Model:   cfg.Risk.Model,
		Timeout: cfg.RiskTimeout(),
	})
	if err != nil {
		logger.Warn("risk classifier unavailable, verdicts pinned to UNKNOWN", "reason", err)
		return &risk.StaticAnalyzer{Verdict: risk.VerdictUnknown}
	}
	return analyzer
}

// promptConfirm asks a yes/no question on the terminal.
func promptConfirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return isYes(line)
}

// isYes interprets a confirmation reply. Anything but an explicit yes
// declines.
func isYes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// webhookRunner adapts the pipeline to the webhook trigger interface.
// Each trigger builds a fresh pipeline so config reloads and state
// from prior runs cannot leak between triggers.
type webhookRunner struct {
	cfg    *config.Config
	logger *logging.Logger
}

// Sync runs the unattended pipeline.
func (r *webhookRunner) Sync(ctx context.Context) (*controller.DeploymentAttempt, error) {
	p, err := buildPipeline(r.cfg, r.logger, true)
	if err != nil {
		return nil, err
	}
	return p.controller.Run(ctx)
}

// Check runs the read-only inspection.
func (r *webhookRunner) Check(ctx context.Context) (*controller.CheckResult, error) {
	p, err := buildPipeline(r.cfg, r.logger, true)
	if err != nil {
		return nil, err
	}
	return p.controller.Check(ctx)
}
