//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// killProcessGroup runs the command in its own process group and makes
// context cancellation kill the whole group, so children of sh -c die too.
func killProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
