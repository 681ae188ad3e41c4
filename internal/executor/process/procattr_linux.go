//go:build linux

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so the whole tree can
// be killed together. Pdeathsig takes the child down if the broker dies
// without shutting it down.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
