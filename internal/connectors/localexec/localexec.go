// Package localexec runs allowlisted commands in the agent's working
// directory. It serves the execute_shell tool.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/connectors"
)

// ToolName is the tool served by LocalExec.
const ToolName = "execute_shell"

const maxOutputBytes = 64 << 10

// DefaultAllowed is used when no allowlist is configured. An entry is a
// command, allowing any arguments, or a command and one subcommand.
var DefaultAllowed = []string{"go test", "go vet", "git diff", "git status", "ls", "echo"}

// LocalExec implements connectors.Handler for local command execution.
type LocalExec struct {
	workDir string
	allowed map[string][]string
}

// New creates a LocalExec that runs in workDir. A nil allowlist uses
// DefaultAllowed.
func New(workDir string, allowlist []string) *LocalExec {
	if allowlist == nil {
		allowlist = DefaultAllowed
	}
	allowed := make(map[string][]string)
	for _, entry := range allowlist {
		fields := strings.Fields(entry)
		switch len(fields) {
		case 0:
			continue
		case 1:
			allowed[fields[0]] = nil
		default:
			if subs, ok := allowed[fields[0]]; ok && subs == nil {
				// Already allowed with any arguments.
				continue
			}
			allowed[fields[0]] = append(allowed[fields[0]], fields[1])
		}
	}
	return &LocalExec{workDir: workDir, allowed: allowed}
}

// Name returns the tool name.
func (l *LocalExec) Name() string {
	return ToolName
}

// IsAllowed checks cmd and its first argument against the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	subs, ok := l.allowed[cmd]
	if !ok {
		return false
	}
	if subs == nil {
		return true
	}
	if len(args) == 0 {
		return false
	}
	for _, s := range subs {
		if args[0] == s {
			return true
		}
	}
	return false
}

// Handle runs the command named by the call's "command" argument, or by
// "cmd" plus "args".
func (l *LocalExec) Handle(ctx context.Context, call capability.ToolCall) (*connectors.ExecResult, error) {
	cmd, args, err := commandFrom(call.Arguments)
	if err != nil {
		return nil, err
	}
	return l.Execute(ctx, cmd, args)
}

// Execute runs a command if it is allowlisted.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s", strings.TrimSpace(cmd+" "+strings.Join(args, " ")))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &connectors.ExecResult{
		Tool:     ToolName,
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
	}, nil
}

func commandFrom(arguments map[string]any) (string, []string, error) {
	if line, ok := arguments["command"].(string); ok && strings.TrimSpace(line) != "" {
		fields := strings.Fields(line)
		return fields[0], fields[1:], nil
	}
	cmd, _ := arguments["cmd"].(string)
	if strings.TrimSpace(cmd) == "" {
		return "", nil, fmt.Errorf("execute_shell requires a command")
	}
	var args []string
	switch raw := arguments["args"].(type) {
	case []string:
		args = raw
	case []any:
		for _, a := range raw {
			args = append(args, fmt.Sprint(a))
		}
	case nil:
	default:
		return "", nil, fmt.Errorf("execute_shell args must be a list")
	}
	return strings.TrimSpace(cmd), args, nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[truncated]"
}
