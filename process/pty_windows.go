//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
)

// startWithPTY is unsupported on Windows; the creack/pty path is unix-only
// by design; Windows PTY allocation needs a different dependency entirely.
func startWithPTY(cmd *exec.Cmd) (*os.File, error) {
	return nil, fmt.Errorf("pty-backed process execution is not supported on windows")
}
