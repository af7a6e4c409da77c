package tunnel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// DefaultGrace is how long a terminated process gets before it is killed.
const DefaultGrace = 5 * time.Second

// Process is a running tunnel child.
type Process interface {
	// Interrupt asks the process to exit.
	Interrupt() error
	Kill() error
	// Wait blocks until the process has exited. It is called at most once.
	Wait() error
}

// Launcher starts the tunnel binary and hands back its diagnostic stream.
type Launcher interface {
	Launch(binary string, args ...string) (Process, io.Reader, error)
}

// ExecLauncher starts real child processes. The tunnel prints its status on
// stderr; stdout is discarded.
type ExecLauncher struct{}

func (ExecLauncher) Launch(binary string, args ...string) (Process, io.Reader, error) {
	cmd := exec.Command(binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	return &execProcess{cmd: cmd}, stderr, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Interrupt() error {
	if runtime.GOOS == "windows" {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// Terminate interrupts p, waits up to grace for it to exit and kills it
// otherwise. Errors caused by the process having already exited are not
// reported.
func Terminate(p Process, grace time.Duration) error {
	if p == nil {
		return nil
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	if err := p.Interrupt(); err != nil && !exited(err) {
		return fmt.Errorf("interrupt tunnel: %w", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}
	if err := p.Kill(); err != nil && !exited(err) {
		return fmt.Errorf("kill tunnel: %w", err)
	}
	<-done
	return nil
}

func exited(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}
