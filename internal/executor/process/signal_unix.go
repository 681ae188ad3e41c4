//go:build !windows

package process

import (
	"os"
	"syscall"
)

// killProcessGroup kills every process in the group led by pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func interruptProcess(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
