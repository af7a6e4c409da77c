package devsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"time"
)

// DefaultServeCommand runs the project's server entry point with a fresh
// widget build.
var DefaultServeCommand = []string{"go", "run", "./server", "serve", "--build"}

// ProcessServer serves the project in a child process. It is used when the
// running binary does not link the project's tools itself.
type ProcessServer struct {
	Workdir string
	Command []string
	Env     []string
	Stdout  io.Writer
	Stderr  io.Writer
	// Grace is how long the child gets after an interrupt before it is
	// killed.
	Grace time.Duration
}

// Serve runs the child until it exits or ctx is cancelled. Cancellation
// interrupts the child's process group and returns ctx.Err().
func (p *ProcessServer) Serve(ctx context.Context, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	args := append([]string{}, p.Command...)
	if len(args) == 0 {
		args = append(args, DefaultServeCommand...)
	}
	args = append(args, "--host", host, "--port", port)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = p.Workdir
	if len(p.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.Env...)
	}
	cmd.Stdout = p.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = p.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	configureProcess(cmd)
	cmd.Cancel = func() error { return interruptProcess(cmd) }
	cmd.WaitDelay = p.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultStopTimeout
	}

	err = cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", args[0], exitErr.ExitCode())
		}
		return fmt.Errorf("run %s: %w", args[0], err)
	}
	return nil
}
