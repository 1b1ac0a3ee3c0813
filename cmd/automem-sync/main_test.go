package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/controller"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/manifest"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name    string
		attempt *controller.DeploymentAttempt
		err     error
		want    int
	}{
		{"success", &controller.DeploymentAttempt{Outcome: controller.OutcomeSuccess}, nil, exitOK},
		{"up to date", &controller.DeploymentAttempt{Outcome: controller.OutcomeUpToDate}, nil, exitOK},
		{"aborted", &controller.DeploymentAttempt{Outcome: controller.OutcomeAborted}, errors.New("verdict"), exitAborted},
		{"rolled back", &controller.DeploymentAttempt{Outcome: controller.OutcomeRolledBack}, errors.New("health"), exitRolledBack},
		{"fatal", &controller.DeploymentAttempt{Outcome: controller.OutcomeFatal}, errors.New("rollback"), exitFatal},
		{"lock contention", nil, errors.New("another automem-sync run is active (PID 7)"), exitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.attempt, tt.err); got != tt.want {
				t.Errorf("exitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReportCheck(t *testing.T) {
	tests := []struct {
		name     string
		res      *controller.CheckResult
		contains []string
	}{
		{
			"up to date and intact",
			&controller.CheckResult{
				ChangeSet: &gitops.ChangeSet{BaseRevision: "aaa", TargetRevision: "aaa"},
				Integrity: manifest.IntegrityReport{Passed: true},
			},
			[]string{"Up to date", "Patch integrity: OK"},
		},
		{
			"behind with protected paths touched",
			&controller.CheckResult{
				ChangeSet: &gitops.ChangeSet{
					BaseRevision:   "aaa",
					TargetRevision: "bbb",
					CommitCount:    2,
					RiskSensitive:  true,
				},
				Integrity: manifest.IntegrityReport{Passed: true},
			},
			[]string{"Behind upstream", "patch-protected paths"},
		},
		{
			"broken patch is reported, not escalated",
			&controller.CheckResult{
				ChangeSet: &gitops.ChangeSet{BaseRevision: "aaa", TargetRevision: "aaa"},
				Integrity: manifest.IntegrityReport{
					Passed: false,
					Missing: []manifest.MarkerMiss{
						{Path: "automem/embedding.py", Reason: "missing file"},
					},
				},
			},
			[]string{"Patch integrity: FAILED (1 missing)", "automem/embedding.py"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			reportCheck(&buf, tt.res)
			for _, want := range tt.contains {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestIsYes(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{"YES\n", true},
		{"  yes  \n", true},
		{"n\n", false},
		{"no\n", false},
		{"\n", false},
		{"sure\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := isYes(tt.input); got != tt.want {
				t.Errorf("isYes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
