package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meanin2/automem-sync/cmd/automem-sync/config"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/webhook"
	"github.com/meanin2/automem-sync/pkg/logging"
)

var (
	cfgPath  string
	logLevel string
	autoFlag bool

	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "automem-sync",
		Short: "Keep a patched AutoMem deployment in sync with upstream",
		Long: `automem-sync pulls upstream changes into a self-hosted AutoMem fork
while protecting the local Gemini embedding-provider patch. Every pull
is gated on a change-risk verdict and followed by patch-integrity and
health verification; any verification failure rolls the deployment
back to the previous revision.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Pull upstream changes and redeploy with verification",
		Long: `Fetches upstream, classifies the pending commits, applies them with a
fast-forward pull, verifies the Gemini patch survived, rebuilds and
restarts the stack, and verifies the deployment end to end. Any
failure after the pull rolls back to the previous revision.

Without --auto the command prompts before the pull and before the
redeploy. With --auto (or when stdin is not a terminal) it never
prompts, and CAUTION or UNKNOWN risk verdicts abort the run.`,
		RunE: runSync,
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Report upstream divergence and patch integrity without changing anything",
		RunE:  runCheck,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show recent deployment attempts",
		RunE:  runStatus,
	}

	webhookCmd = &cobra.Command{
		Use:   "webhook",
		Short: "Serve HTTP deploy triggers",
		Long: `Runs a long-lived HTTP server exposing POST /deploy (authenticated by
the secret in the environment variable named by webhook.secret_env),
GET /health, and GET /metrics. Triggered deploys run unattended.`,
		RunE: runWebhook,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "path to the config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	syncCmd.Flags().BoolVar(&autoFlag, "auto", false, "run unattended, abort on CAUTION/UNKNOWN verdicts")

	rootCmd.AddCommand(syncCmd, checkCmd, statusCmd, webhookCmd)
}

// setup loads the config and initializes logging for every command.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Log.Dir,
		Service: "automem-sync",
	})
	return nil
}

// runSync executes one pipeline run and exits with the outcome code.
func runSync(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cfg, logger, autoFlag)
	if err != nil {
		return err
	}

	attempt, runErr := p.controller.Run(cmd.Context())
	if attempt == nil {
		return runErr
	}

	fmt.Printf("%s: %s\n", attempt.Outcome, attempt.Reason)
	os.Exit(exitCodeFor(attempt, runErr))
	return nil
}

// runCheck reports divergence and integrity, mutating nothing.
func runCheck(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cfg, logger, true)
	if err != nil {
		return err
	}

	res, err := p.controller.Check(cmd.Context())
	if err != nil {
		return err
	}

	// The check is informational: findings go to stdout, the exit code
	// stays 0 unless the inspection itself errored.
	reportCheck(os.Stdout, res)
	return nil
}

// reportCheck renders a check result for the operator.
func reportCheck(w io.Writer, res *controller.CheckResult) {
	cs := res.ChangeSet
	if cs.UpToDate() {
		fmt.Fprintln(w, "Up to date with upstream.")
	} else {
		fmt.Fprintf(w, "Behind upstream: %s (target %s)\n", cs.Summary(), cs.TargetRevision.Short())
		if cs.RiskSensitive {
			fmt.Fprintln(w, "Warning: upstream touches patch-protected paths.")
		}
	}

	if res.Integrity.Passed {
		fmt.Fprintln(w, "Patch integrity: OK")
	} else {
		fmt.Fprintf(w, "Patch integrity: FAILED (%d missing)\n", len(res.Integrity.Missing))
		for _, miss := range res.Integrity.Missing {
			fmt.Fprintf(w, "  - %s\n", miss.String())
		}
	}
}

// runStatus prints recent journal entries, newest last.
func runStatus(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline(cfg, logger, true)
	if err != nil {
		return err
	}

	attempts, err := p.journal.Attempts()
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("No recorded deployment attempts.")
		return nil
	}

	for _, a := range attempts {
		target := a.AttemptedRevision.Short()
		if target == "" {
			target = "-"
		}
		fmt.Printf("%s  %-20s  %-12s  %s\n",
			a.StartedAt.Format(time.RFC3339), a.Outcome, target, a.Reason)
	}

	if pending, err := p.journal.Pending(); err == nil && pending != nil {
		fmt.Printf("\nWARNING: run %s never finished; rollback target was %s\n",
			pending.RunID, pending.PreviousRevision.Short())
	}
	return nil
}

// runWebhook serves deploy triggers until interrupted.
func runWebhook(cmd *cobra.Command, args []string) error {
	server := webhook.NewServer(webhook.Config{
		Port:         cfg.Webhook.Port,
		Secret:       cfg.WebhookSecret(),
		SyncTimeout:  time.Duration(cfg.Webhook.SyncTimeoutSeconds) * time.Second,
		CheckTimeout: time.Duration(cfg.Webhook.CheckTimeoutSeconds) * time.Second,
	}, &webhookRunner{cfg: cfg, logger: logger}, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}
