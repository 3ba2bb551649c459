//go:build !unix

package companion

import (
	"os"
	"os/exec"
)

// ownGroup is a no-op here; only the direct child is killed on Stop.
func ownGroup(cmd *exec.Cmd) {}

func killGroup(p *os.Process) error {
	return p.Kill()
}
