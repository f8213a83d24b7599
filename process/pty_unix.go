//go:build !windows

package process

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// startWithPTY allocates a controlling pty and starts cmd attached to it,
// for descriptors that need a real terminal (interactive CLI tools that
// behave differently when stdout isn't a tty).
// agentctl pty-backed interactive process mode.
func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}
