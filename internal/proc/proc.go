// Package proc wraps a spawned worker process behind a handle that supports
// non-blocking exit polling, bounded waits and force kill, and captures the
// exit status including the terminating signal where the platform reports
// one.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the captured exit status of a worker process.
type Status struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
}

func (s Status) String() string {
	if s.Signaled {
		return fmt.Sprintf("signal %d (%s)", int(s.Signal), s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// statusFromWaitErr converts the error from exec.Cmd.Wait into a Status.
// A nil error is a clean exit; non-ExitError failures are reported as code 1.
func statusFromWaitErr(err error) Status {
	if err == nil {
		return Status{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st := Status{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Signal = ws.Signal()
			st.Signaled = true
		}
		return st
	}
	return Status{Code: 1}
}

// Handle owns one live worker process. Wait runs once in a background
// goroutine at start; all polling composes over its completion channel.
type Handle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	status Status // valid once done is closed
}

// Start launches the command and begins reaping it in the background.
func Start(cmd *exec.Cmd) (*Handle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.status = statusFromWaitErr(cmd.Wait())
		close(h.done)
	}()
	return h, nil
}

// Pid returns the OS process ID.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// TryWait polls for exit without blocking.
func (h *Handle) TryWait() (Status, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return Status{}, false
	}
}

// WaitTimeout waits up to d for the process to exit.
func (h *Handle) WaitTimeout(d time.Duration) (Status, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return h.status, true
	case <-timer.C:
		return Status{}, false
	}
}

// Wait blocks until the process exits and returns its status.
func (h *Handle) Wait() Status {
	<-h.done
	return h.status
}

// Kill force-terminates the process. A process that already exited is not
// an error.
func (h *Handle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Signal delivers sig to the process.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Shared holds zero or one handle behind a lock. It is the only state
// shared between the controller goroutine and the event listener: the
// listener polls it for liveness, the controller takes ownership during
// teardown. Empty in co-located mode.
type Shared struct {
	mu sync.Mutex
	h  *Handle
}

// NewShared wraps h, which may be nil.
func NewShared(h *Handle) *Shared {
	return &Shared{h: h}
}

// Take removes and returns the handle, leaving the Shared empty.
func (s *Shared) Take() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.h
	s.h = nil
	return h
}

// Put installs a new handle.
func (s *Shared) Put(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

// TryWait polls the held process. present is false when no handle is
// installed (co-located mode or mid-teardown).
func (s *Shared) TryWait() (st Status, exited, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return Status{}, false, false
	}
	st, exited = s.h.TryWait()
	return st, exited, true
}

// Pid returns the held process ID, or 0 when empty.
func (s *Shared) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return 0
	}
	return s.h.Pid()
}
