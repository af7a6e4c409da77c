//go:build !windows

package devsession

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the child in its own process group so an interrupt
// reaches the program started by `go run` as well.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}
