package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/gitops"
)

// Outcome is the terminal result of one deployment attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeUpToDate   Outcome = "UP_TO_DATE"
	OutcomeAborted    Outcome = "ABORTED_BEFORE_APPLY"
	OutcomeRolledBack Outcome = "ROLLED_BACK"
	OutcomeFatal      Outcome = "FATAL"
)

// DeploymentAttempt is the record of one pipeline run.
type DeploymentAttempt struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// PreviousRevision is the deployed revision before the run. This
	// is the rollback target and the one field that must survive a
	// crash, which is why it is journaled before any mutation.
	PreviousRevision gitops.Revision `json:"previous_revision"`

	// AttemptedRevision is the upstream revision the run tried to
	// deploy. Empty for UP_TO_DATE runs.
	AttemptedRevision gitops.Revision `json:"attempted_revision,omitempty"`

	// Outcome is set when the attempt finishes.
	Outcome Outcome `json:"outcome,omitempty"`

	// StartedAt and FinishedAt bound the run.
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Reason explains the outcome in one line.
	Reason string `json:"reason,omitempty"`
}

// journalDoc is the on-disk journal shape.
type journalDoc struct {
	// Pending is the in-flight attempt, present between the pre-apply
	// journal write and the terminal write.
	Pending *DeploymentAttempt `json:"pending,omitempty"`

	// Attempts holds finished attempts, oldest first.
	Attempts []DeploymentAttempt `json:"attempts"`
}

// maxJournalAttempts bounds journal growth; older entries are dropped.
const maxJournalAttempts = 50

// Journal persists deployment attempts as JSON with atomic writes
// (write to a temp file in the same directory, then rename).
//
// # Thread Safety
//
// Journal is safe for concurrent use. The run lock already guarantees
// a single writer per host; the mutex covers in-process callers.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates a journal backed by the given file path. The file
// is created on first write.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// RecordPending persists the attempt before mutation begins, so the
// rollback target survives a crash mid-apply.
func (j *Journal) RecordPending(a *DeploymentAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc, err := j.load()
	if err != nil {
		return err
	}
	doc.Pending = a
	return j.store(doc)
}

// RecordFinal clears any pending marker and appends the finished
// attempt.
func (j *Journal) RecordFinal(a *DeploymentAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc, err := j.load()
	if err != nil {
		return err
	}
	doc.Pending = nil
	doc.Attempts = append(doc.Attempts, *a)
	if len(doc.Attempts) > maxJournalAttempts {
		doc.Attempts = doc.Attempts[len(doc.Attempts)-maxJournalAttempts:]
	}
	return j.store(doc)
}

// Pending returns the in-flight attempt left by a crashed run, or nil.
func (j *Journal) Pending() (*DeploymentAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc, err := j.load()
	if err != nil {
		return nil, err
	}
	return doc.Pending, nil
}

// Attempts returns finished attempts, oldest first.
func (j *Journal) Attempts() ([]DeploymentAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	doc, err := j.load()
	if err != nil {
		return nil, err
	}
	return doc.Attempts, nil
}

// load reads the journal file, returning an empty document when the
// file does not exist yet.
func (j *Journal) load() (*journalDoc, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return &journalDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", j.path, err)
	}
	var doc journalDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing journal %s: %w", j.path, err)
	}
	return &doc, nil
}

// store writes the document atomically.
func (j *Journal) store(doc *journalDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding journal: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating journal dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".journal-*")
	if err != nil {
		return fmt.Errorf("creating journal temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing journal temp file: %w", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		return fmt.Errorf("replacing journal %s: %w", j.path, err)
	}
	return nil
}
