//go:build windows

package devsession

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func interruptProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
