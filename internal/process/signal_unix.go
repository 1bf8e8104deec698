//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// The child leads its own process group, so a negative pid reaches the
// kernels and terminals it spawned too.
func terminateGroup(pid int) error { return signalGroup(pid, syscall.SIGTERM) }
func killGroup(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		// group already gone; fall back to the leader in case setpgid failed
		err = syscall.Kill(pid, sig)
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}

// Signal sends sig to the process group led by pid. Used for orphans found
// through a pidfile, where no Handle exists.
func Signal(pid int, force bool) error {
	if force {
		return killGroup(pid)
	}
	return terminateGroup(pid)
}
