//go:build !windows

package scheduler

import (
	"os/exec"
	"syscall"
)

// detach starts the job in its own process group so terminal signals sent to
// the orchestrator do not reach it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
