//go:build windows

package process

import "syscall"

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const processTerminate = 0x0001

// Windows has no graceful signal for a console-less child; both paths
// terminate.
func terminateGroup(pid int) error { return terminate(pid) }
func killGroup(pid int) error      { return terminate(pid) }

func Signal(pid int, _ bool) error { return terminate(pid) }

func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, _, _ := procOpenProcess.Call(uintptr(processTerminate), 0, uintptr(pid))
	if h == 0 {
		// most likely already gone
		return nil
	}
	defer procCloseHandle.Call(h)
	if ret, _, err := procTerminateProcess.Call(h, 1); ret == 0 {
		return err
	}
	return nil
}
