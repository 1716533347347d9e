//go:build unix && !linux

package sandbox

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr places the child in its own process group. Pdeathsig is not
// available outside Linux.
func sysProcAttr(usePTY bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: !usePTY,
	}
}

func terminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
