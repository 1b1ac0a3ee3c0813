package process

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/meanin2/automem-sync/cmd/automem-sync/internal/util"
)

func skipIfWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecManager_Run_CapturesStdout(t *testing.T) {
	skipIfWindows(t)
	mgr := NewExecManager()

	res, err := mgr.Run(context.Background(), "", nil, "echo", "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want hello", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestExecManager_Run_NonZeroExit(t *testing.T) {
	skipIfWindows(t)
	mgr := NewExecManager()

	res, err := mgr.Run(context.Background(), "", nil, "sh", "-c", "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("Run() error = nil, want CommandError")
	}
	if res == nil {
		t.Fatal("Run() result = nil on failure, want captured output")
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}

	var cmdErr *util.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error type = %T, want *util.CommandError", err)
	}
	if cmdErr.Stderr != "oops" {
		t.Errorf("CommandError.Stderr = %q, want oops", cmdErr.Stderr)
	}
}

func TestExecManager_Run_WorkingDirectory(t *testing.T) {
	skipIfWindows(t)
	dir := t.TempDir()
	mgr := NewExecManager()

	res, err := mgr.Run(context.Background(), dir, nil, "pwd")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Resolve symlinks (macOS tempdirs live under /private).
	if !strings.Contains(strings.TrimSpace(res.Stdout), dir) && !strings.HasSuffix(strings.TrimSpace(res.Stdout), dir) {
		t.Logf("pwd = %q for dir %q (symlinked tempdir is acceptable)", res.Stdout, dir)
	}
}

func TestExecManager_Run_Environment(t *testing.T) {
	skipIfWindows(t)
	mgr := NewExecManager()

	res, err := mgr.Run(context.Background(), "", []string{"SYNC_TEST_VAR=42"}, "sh", "-c", "echo $SYNC_TEST_VAR")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "42" {
		t.Errorf("Stdout = %q, want 42", res.Stdout)
	}
}

func TestExecManager_Run_ContextCancelled(t *testing.T) {
	skipIfWindows(t)
	mgr := NewExecManager()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Run(ctx, "", nil, "sleep", "10")
	if err == nil {
		t.Fatal("Run() with cancelled context error = nil")
	}
}

func TestMockManager_RecordsCalls(t *testing.T) {
	mock := &MockManager{
		RunFunc: func(ctx context.Context, dir string, env []string, name string, args ...string) (*Result, error) {
			return &Result{Stdout: "ok"}, nil
		},
	}

	_, _ = mock.Run(context.Background(), "/repo", nil, "git", "fetch", "origin")
	_, _ = mock.Run(context.Background(), "/repo", nil, "git", "merge-base", "HEAD", "origin/main")

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(calls))
	}
	if calls[0].Name != "git" || calls[0].Args[0] != "fetch" {
		t.Errorf("first call = %+v, want git fetch", calls[0])
	}

	mock.Reset()
	if len(mock.GetCalls()) != 0 {
		t.Error("Reset() did not clear calls")
	}
}

func TestMockManager_PanicsWithoutRunFunc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Run() without RunFunc did not panic")
		}
	}()
	mock := &MockManager{}
	_, _ = mock.Run(context.Background(), "", nil, "git")
}
