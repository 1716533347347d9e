package sandbox

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr places the child in its own process group so teardown can
// signal the whole tree. With a PTY the child becomes a session leader
// instead, which pty.Start arranges itself. Pdeathsig sends SIGTERM to the
// direct child should this process die first.
func sysProcAttr(usePTY bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   !usePTY,
		Pdeathsig: syscall.SIGTERM,
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
