package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// RunLocker defines the interface for run-level mutual exclusion.
//
// # Description
//
// RunLocker prevents two sync runs from interleaving. A deployment run
// mutates the working tree and restarts services; a second run started
// mid-flight could, for example, reset the tree while the first is
// health-checking the new revision. Acquisition is fail-fast: a held
// lock returns *ErrLockHeld immediately, it never blocks.
//
// # Thread Safety
//
// Implementations must be safe for use from a single goroutine. The
// lock provides inter-process synchronization, not intra-process.
type RunLocker interface {
	// Acquire attempts to get an exclusive lock.
	// Returns nil if acquired, *ErrLockHeld if another run holds it.
	Acquire() error

	// Release releases the lock if held.
	// Safe to call multiple times or if the lock was never acquired.
	Release() error

	// IsHeld returns true if this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the process holding the lock,
	// or 0 if unknown.
	HolderPID() int
}

// RunLockConfig configures lock file placement.
type RunLockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files.
	// Default: "automem-sync"
	LockName string
}

// DefaultRunLockConfig returns the default lock placement: the system
// temp directory with the "automem-sync" base name.
func DefaultRunLockConfig() RunLockConfig {
	return RunLockConfig{
		LockDir:  os.TempDir(),
		LockName: "automem-sync",
	}
}

// RunLock implements RunLocker using flock(2) advisory file locking.
//
// # How It Works
//
//  1. Creates a lock file at {LockDir}/{LockName}.lock
//  2. Attempts a non-blocking exclusive flock on it
//  3. Writes the PID to {LockDir}/{LockName}.pid for diagnostics
//  4. On release, removes the PID file and releases the flock
//
// The OS releases the flock if the process dies without calling
// Release, so a crashed run never wedges future runs.
//
// # Thread Safety
//
// RunLock is NOT safe for concurrent use from multiple goroutines. Use
// from a single goroutine (typically main).
//
// # Limitations
//
//   - Advisory only; other processes can ignore it
//   - NFS and some network filesystems don't support flock properly
//
// # Example
//
//	lock := NewRunLock(DefaultRunLockConfig())
//	if err := lock.Acquire(); err != nil {
//	    fmt.Fprintf(os.Stderr, "Error: %v\n", err)
//	    os.Exit(1)
//	}
//	defer lock.Release()
type RunLock struct {
	config   RunLockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewRunLock creates a RunLock. Does not acquire it.
func NewRunLock(config RunLockConfig) *RunLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "automem-sync"
	}

	return &RunLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire attempts a non-blocking exclusive lock. If another run holds
// it, returns *ErrLockHeld carrying the holder PID when available.
func (l *RunLock) Acquire() error {
	if l.held {
		return nil // Already held
	}

	if err := os.MkdirAll(l.config.LockDir, 0755); err != nil {
		return fmt.Errorf("failed to create lock dir %s: %w", l.config.LockDir, err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()

		if err == syscall.EWOULDBLOCK {
			return &ErrLockHeld{
				HolderPID: l.readHolderPID(),
				LockPath:  l.lockPath,
			}
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.lockFile = f
	l.held = true

	// PID file is diagnostic only; the flock is the actual lock.
	_ = l.writePID()

	return nil
}

// Release removes the PID file and releases the flock. Safe to call
// multiple times.
func (l *RunLock) Release() error {
	if !l.held || l.lockFile == nil {
		return nil
	}

	os.Remove(l.pidPath)

	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)

	// Close also releases the lock if the explicit unlock failed.
	l.lockFile.Close()
	l.lockFile = nil
	l.held = false

	// The lock file itself is left behind for faster reacquisition.

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// IsHeld reports local state only; it does not re-verify the flock.
func (l *RunLock) IsHeld() bool {
	return l.held
}

// HolderPID reads the PID file to identify the current holder.
// Returns 0 if the file is missing or unreadable. May be stale if the
// holder crashed without cleanup.
func (l *RunLock) HolderPID() int {
	return l.readHolderPID()
}

// LockPath returns the path to the lock file, for error messages.
func (l *RunLock) LockPath() string {
	return l.lockPath
}

// writePID writes the current process PID to the PID file.
func (l *RunLock) writePID() error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return os.WriteFile(l.pidPath, []byte(content), 0644)
}

// readHolderPID reads the PID from the PID file.
func (l *RunLock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// ErrLockHeld is returned when another sync run holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another sync run is active (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another sync run is active (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ RunLocker = (*RunLock)(nil)
