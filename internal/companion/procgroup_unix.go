//go:build unix

package companion

import (
	"os"
	"os/exec"
	"syscall"
)

// ownGroup starts cmd in a new process group so the shell and everything
// npm spawns can be signalled together.
func ownGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
