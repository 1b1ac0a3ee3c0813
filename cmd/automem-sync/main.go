package main

import (
	"fmt"
	"os"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
)

// Exit codes. ROLLED_BACK and FATAL are distinct so alerting can page
// on FATAL (manual intervention) while only notifying on ROLLED_BACK
// (the service is fine, the pull was rejected).
const (
	exitOK         = 0
	exitUsage      = 1
	exitAborted    = 2
	exitRolledBack = 3
	exitFatal      = 4
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUsage)
	}
}

// exitCodeFor maps a finished run to the process exit code.
func exitCodeFor(attempt *controller.DeploymentAttempt, err error) int {
	if attempt == nil {
		// Lock contention and other pre-pipeline failures.
		return exitUsage
	}
	switch attempt.Outcome {
	case controller.OutcomeSuccess, controller.OutcomeUpToDate:
		return exitOK
	case controller.OutcomeAborted:
		return exitAborted
	case controller.OutcomeRolledBack:
		return exitRolledBack
	case controller.OutcomeFatal:
		return exitFatal
	default:
		return exitUsage
	}
}
