//go:build windows

package backend

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup only kills the direct child on Windows.
func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
