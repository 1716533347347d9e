package sandbox

import (
	"errors"
	"os"
	"syscall"
)

// Windows has no process groups in the POSIX sense; only the direct child is
// stopped.
func sysProcAttr(bool) *syscall.SysProcAttr {
	return nil
}

func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
