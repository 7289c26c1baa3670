//go:build windows

package runner

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no process groups reachable from os/exec, so both steps of the
// termination protocol signal the single pid.
func setProcessGroup(*exec.Cmd) {}

func terminateGroup(p *os.Process) error {
	return killGroup(p)
}

func killGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
