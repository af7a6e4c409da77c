package framework

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandRequest captures process execution metadata for a short-lived command.
type CommandRequest struct {
	Workdir string
	Args    []string
	Env     []string
	Input   string
	Timeout time.Duration
}

// CommandRunner describes a primitive capable of executing commands to
// completion. Installers, version checks and the widget builder go through it
// so tests can replace the host.
type CommandRunner interface {
	Run(ctx context.Context, req CommandRequest) (stdout string, stderr string, err error)
}

// ExecCommandRunner runs commands directly on the host.
type ExecCommandRunner struct{}

// Run executes the requested command and captures both output streams.
func (ExecCommandRunner) Run(ctx context.Context, req CommandRequest) (string, string, error) {
	if len(req.Args) == 0 {
		return "", "", errors.New("command arguments required")
	}
	execCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()
	cmd := exec.CommandContext(execCtx, req.Args[0], req.Args[1:]...)
	cmd.Dir = req.Workdir
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if req.Input != "" {
		cmd.Stdin = strings.NewReader(req.Input)
	}
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CommandError decorates a failed command with its stderr so callers can show
// something more useful than "exit status 1".
func CommandError(args []string, stderr string, err error) error {
	if err == nil {
		return nil
	}
	detail := strings.TrimSpace(stderr)
	if detail != "" {
		return fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, detail)
	}
	return fmt.Errorf("%s: %w", strings.Join(args, " "), err)
}
