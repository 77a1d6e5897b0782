// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package fetch

import (
	"errors"
	"os/exec"
)

// pgrepDetector shells out to pgrep for exact-name process matching on
// platforms without a /proc filesystem.
type pgrepDetector struct{}

// NewProcessDetector returns the platform ConflictDetector.
func NewProcessDetector() ConflictDetector {
	return pgrepDetector{}
}

func (pgrepDetector) Running(name string) (bool, error) {
	err := exec.Command("pgrep", "-x", name).Run()
	if err == nil {
		return true, nil
	}
	// Exit status 1 means "no process matched".
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}
