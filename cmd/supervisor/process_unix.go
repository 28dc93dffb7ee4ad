//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the worker's whole process group so
// a worker that itself spawned helpers dies with it. exec.Cmd escalates to
// SIGKILL after WaitDelay if the group does not exit in time.
func terminateProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
