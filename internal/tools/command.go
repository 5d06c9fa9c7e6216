package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"memini/internal/chat"
	"memini/internal/security"
)

const maxCommandTimeout = 300 * time.Second

// ErrRiskyCommand is returned when an unattended run asks for a destructive command.
var ErrRiskyCommand = errors.New("command refused in unattended mode")

type CommandTool struct {
	ws               *security.Workspace
	defaultTimeout   time.Duration
	outputLimitBytes int
	refuseRisky      bool
}

// NewCommandTool builds workspace_run_command. refuseRisky rejects commands
// flagged by security.AnalyzeCommand; background task runs set it.
func NewCommandTool(ws *security.Workspace, commandTimeoutMS, outputLimitBytes int, refuseRisky bool) *CommandTool {
	timeout := time.Duration(commandTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	return &CommandTool{ws: ws, defaultTimeout: timeout, outputLimitBytes: outputLimitBytes, refuseRisky: refuseRisky}
}

func (t *CommandTool) Name() string {
	return "workspace_run_command"
}

func (t *CommandTool) Definition() chat.ToolDef {
	return chat.FunctionTool(t.Name(), "Run a shell command in the local workspace and return exit code/stdout/stderr.", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":         map[string]any{"type": "string", "description": "Shell command to run."},
			"workdir":         map[string]any{"type": "string", "description": "Optional relative working directory inside the workspace."},
			"timeout_seconds": map[string]any{"type": "integer", "description": "Timeout seconds (max 300)."},
		},
		"required": []string{"command"},
	})
}

func (t *CommandTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command        string `json:"command"`
		Workdir        string `json:"workdir"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return "", fmt.Errorf("%w: command is required", ErrBadArgs)
	}
	if t.refuseRisky {
		if risk := security.AnalyzeCommand(command); risk.Risky {
			return "", fmt.Errorf("%w: %s", ErrRiskyCommand, risk.Reason)
		}
	}
	workdir, err := t.ws.ResolveDir(in.Workdir)
	if err != nil {
		return "", err
	}

	timeout := t.defaultTimeout
	if in.TimeoutSeconds > 0 {
		timeout = min(time.Duration(in.TimeoutSeconds)*time.Second, maxCommandTimeout)
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-lc", command)
	cmd.Dir = workdir
	stdout := newCappedBuffer(t.outputLimitBytes)
	stderr := newCappedBuffer(t.outputLimitBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	result := map[string]any{
		"command":     command,
		"workdir":     t.ws.Rel(workdir),
		"timed_out":   false,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result["timed_out"] = true
		result["timeout_seconds"] = int(timeout.Seconds())
		result["exit_code"] = nil
		result["stdout"] = stdout.String()
		result["stderr"] = "Command timed out."
		return mustJSON(result), nil
	}

	exitCode := 0
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return "", fmt.Errorf("run command: %w", err)
		}
		exitCode = ee.ExitCode()
	}
	result["exit_code"] = exitCode
	result["success"] = exitCode == 0
	result["stdout"] = stdout.String()
	result["stderr"] = stderr.String()
	result["truncated"] = stdout.truncated || stderr.truncated
	return mustJSON(result), nil
}

// cappedBuffer keeps the first max bytes and drops the rest.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 12000
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
