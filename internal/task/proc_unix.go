//go:build !windows

package task

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the worker in its own process group so the whole
// tree can be killed at once.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcessTree(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	// Setpgid made the worker its group leader, so pgid == pid even after
	// the leader itself has been reaped.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
