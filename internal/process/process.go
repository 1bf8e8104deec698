// Package process spawns the notebook server and gives the supervisor a handle
// to signal and reap it.
package process

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Launch describes one spawn.
type Launch struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        []string
	// Stdout and Stderr receive the child's output; nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a live (or just exited) child.
type Handle interface {
	PID() int
	// Done is closed once the child has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed by a signal or unknown.
	ExitCode() int
	// ExitErr is the error returned by wait, nil for a clean exit.
	ExitErr() error
	// ExitedAt is when the child was reaped; zero before Done.
	ExitedAt() time.Time
	// Terminate asks the child's process group to exit.
	Terminate() error
	// Kill forcefully ends the child's process group.
	Kill() error
}

// Backend creates children. The supervisor only talks to this interface.
type Backend interface {
	Spawn(l Launch) (Handle, error)
}

// OS is the real backend built on os/exec.
type OS struct {
	// WaitDelay bounds how long reaping waits for output pipes held open by
	// grandchildren after the child itself exited.
	WaitDelay time.Duration
}

func (o OS) Spawn(l Launch) (Handle, error) {
	if l.Executable == "" {
		return nil, errors.New("empty executable")
	}
	cmd := exec.Command(l.Executable, l.Args...)
	cmd.Dir = l.WorkDir
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.WaitDelay = o.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Executable, err)
	}
	h := &osHandle{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type osHandle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	mu       sync.Mutex
	err      error
	code     int
	exitedAt time.Time
}

func (h *osHandle) wait() {
	err := h.cmd.Wait()
	at := time.Now()
	code := -1
	if ps := h.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	h.mu.Lock()
	h.err, h.code, h.exitedAt = err, code, at
	h.mu.Unlock()
	close(h.done)
}

func (h *osHandle) PID() int              { return h.pid }
func (h *osHandle) Done() <-chan struct{} { return h.done }

func (h *osHandle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code
}

func (h *osHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *osHandle) ExitedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitedAt
}

func (h *osHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *osHandle) Terminate() error {
	if h.exited() {
		return nil
	}
	return terminateGroup(h.pid)
}

func (h *osHandle) Kill() error {
	if h.exited() {
		return nil
	}
	return killGroup(h.pid)
}

// Exited reports whether h has been reaped without blocking.
func Exited(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}
