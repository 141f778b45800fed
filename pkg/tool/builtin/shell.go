package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/thoughtoinnovate/tark/pkg/classify"
	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/policy"
	"github.com/thoughtoinnovate/tark/pkg/tool"
)

const (
	defaultShellTimeoutSecs = 120
	maxShellTimeoutSecs     = 600
	shellKillGrace          = 2 * time.Second
	maxShellWorkers         = 4
)

// shellWorkers is the process-wide pool of blocking workers for shell
// commands; cooperative tasks wait here instead of spawning unbounded
// child processes.
var shellWorkers = semaphore.NewWeighted(maxShellWorkers)

// ShellTool runs a bash command and returns stdout, stderr, and the exit
// code. Cancellation sends SIGTERM, then SIGKILL after a short grace.
type ShellTool struct {
	workdirAware
	MaxOutputBytes int
}

// Meta implements tool.Tool.
func (t *ShellTool) Meta() tool.Metadata {
	return tool.Metadata{
		ID:          "run_shell",
		Description: "Execute a shell command and return stdout, stderr, and exit code.",
		Risk:        policy.RiskRisky,
		Operation:   classify.OpExecute,
		Category:    "shell",
		Modes:       []policy.Mode{policy.ModePlan, policy.ModeBuild},
		Schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Shell command to execute"},
				"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (default 120, max 600)"}
			},
			"required": ["command"]
		}`,
	}
}

// Execute implements tool.Tool.
func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	cmd := strings.TrimSpace(stringParam(args, "command"))
	if cmd == "" {
		return &tool.Result{Success: false, Error: "command parameter must be a non-empty string"}, nil
	}

	timeout := intParam(args, "timeout_seconds", defaultShellTimeoutSecs)
	if timeout <= 0 || timeout > maxShellTimeoutSecs {
		timeout = defaultShellTimeoutSecs
	}

	if err := shellWorkers.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.KindCancelled, "waiting for a shell worker")
	}
	defer shellWorkers.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	command := exec.CommandContext(runCtx, "bash", "-lc", cmd)
	if dir := t.Workdir(); dir != "" {
		command.Dir = dir
	}

	// On cancellation: SIGTERM first, SIGKILL after the grace period.
	command.Cancel = func() error {
		return command.Process.Signal(syscall.SIGTERM)
	}
	command.WaitDelay = shellKillGrace

	stdout := newLimitedBuffer(t.MaxOutputBytes)
	stderr := newLimitedBuffer(t.MaxOutputBytes)
	command.Stdout = stdout
	command.Stderr = stderr

	err := command.Run()

	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), errors.KindCancelled, "shell command cancelled")
	}

	exitCode := 0
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &tool.Result{
				Success: false,
				Error:   fmt.Sprintf("command timed out after %ds\n%s", timeout, tailLines(stderr.String(), 10)),
			}, nil
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return &tool.Result{
				Success: false,
				Error:   fmt.Sprintf("command failed to start: %v", err),
			}, nil
		}
		exitCode = exitErr.ExitCode()
	}

	stdoutStr := strings.TrimRight(stdout.String(), "\n")
	stderrStr := strings.TrimRight(stderr.String(), "\n")
	data := map[string]any{
		"command":   cmd,
		"stdout":    stdoutStr,
		"stderr":    stderrStr,
		"exit_code": exitCode,
	}
	if stdout.Truncated() {
		data["stdout_truncated"] = true
	}
	if stderr.Truncated() {
		data["stderr_truncated"] = true
	}

	if exitCode != 0 {
		return &tool.Result{
			Success: false,
			Data:    data,
			Error:   errors.ToolFailed(exitCode, tailLines(stderrStr, 10)).Error(),
		}, nil
	}

	return &tool.Result{Success: true, Data: data}, nil
}
