//go:build windows

package process

import (
	"os/exec"
)

// setProcessGroup is a no-op on Windows; process-group termination is
// handled differently there and isn't implemented by this supervisor.
func setProcessGroup(cmd *exec.Cmd) {}

func (p *Process) terminate() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Kill()
	<-p.done
	return nil
}
