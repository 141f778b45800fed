package builtin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/thoughtoinnovate/tark/pkg/errors"
)

func TestShellSuccess(t *testing.T) {
	shell := &ShellTool{}
	shell.SetWorkdir(t.TempDir())

	result, err := shell.Execute(context.Background(), map[string]any{"command": "echo hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Data["stdout"] != "hello" {
		t.Errorf("stdout = %q", result.Data["stdout"])
	}
	if result.Data["exit_code"] != 0 {
		t.Errorf("exit_code = %v", result.Data["exit_code"])
	}
}

func TestShellNonZeroExit(t *testing.T) {
	shell := &ShellTool{}
	shell.SetWorkdir(t.TempDir())

	result, err := shell.Execute(context.Background(), map[string]any{"command": "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("non-zero exit should not be a success")
	}
	if result.Data["exit_code"] != 3 {
		t.Errorf("exit_code = %v", result.Data["exit_code"])
	}
	if !strings.Contains(result.Error, "oops") {
		t.Errorf("error should carry the stderr tail: %q", result.Error)
	}
}

func TestShellRunsInWorkdir(t *testing.T) {
	dir := t.TempDir()
	shell := &ShellTool{}
	shell.SetWorkdir(dir)

	result, err := shell.Execute(context.Background(), map[string]any{"command": "pwd"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got := result.Data["stdout"].(string)
	// Compare suffixes: the tempdir may sit behind a symlink (macOS /tmp).
	if !strings.HasSuffix(got, dir) && !strings.HasSuffix(dir, got) {
		t.Errorf("pwd = %q, want workdir %q", got, dir)
	}
}

func TestShellCancellationConverges(t *testing.T) {
	shell := &ShellTool{}
	shell.SetWorkdir(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		_, err := shell.Execute(ctx, map[string]any{"command": "sleep 30"})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.IsKind(err, errors.KindCancelled) {
			t.Errorf("err = %v, want Cancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not stop after cancellation grace period")
	}

	// SIGTERM + 2s grace bound: well under the sleep duration.
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}

func TestShellTimeout(t *testing.T) {
	shell := &ShellTool{}
	shell.SetWorkdir(t.TempDir())

	result, err := shell.Execute(context.Background(), map[string]any{
		"command":         "sleep 10",
		"timeout_seconds": 1,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success || !strings.Contains(result.Error, "timed out") {
		t.Errorf("result = %+v", result)
	}
}

func TestShellEmptyCommand(t *testing.T) {
	shell := &ShellTool{}

	result, err := shell.Execute(context.Background(), map[string]any{"command": "   "})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Error("empty command should fail")
	}
}

func TestShellOutputTruncated(t *testing.T) {
	shell := &ShellTool{MaxOutputBytes: 64}
	shell.SetWorkdir(t.TempDir())

	result, err := shell.Execute(context.Background(), map[string]any{"command": "yes x | head -n 1000"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Data["stdout_truncated"] != true {
		t.Errorf("expected truncation marker, data = %+v", result.Data)
	}
	if len(result.Data["stdout"].(string)) > 64 {
		t.Error("stdout exceeds the configured cap")
	}
}
