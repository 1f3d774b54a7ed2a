// Package launcher starts one worker generation: it spawns the worker
// process with the protocol environment contract and waits for it to
// connect the three transport channels, or wires an in-process worker over
// an in-memory pipe in co-located mode.
package launcher

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/glasspane/viewhost/internal/proc"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
)

// DefaultAcceptTimeout bounds how long a spawned worker may take to connect
// back to the endpoint.
const DefaultAcceptTimeout = 10 * time.Second

// WorkerFactory runs the co-located worker against its transport ends. It
// is started on its own goroutine and owns the connection.
type WorkerFactory func(*transport.WorkerConn)

// Options configures one launch.
type Options struct {
	// ExePath and Args name the worker executable. Ignored in co-located
	// mode.
	ExePath string
	Args    []string

	// Headless is forwarded to the worker via the mode environment
	// variable.
	Headless bool

	// InProcess selects co-located mode; Factory must then be set.
	InProcess bool
	Factory   WorkerFactory

	AcceptTimeout time.Duration
	Logger        *slog.Logger
}

// Result is a connected, not yet handshaken worker generation.
type Result struct {
	// Proc is nil in co-located mode.
	Proc *proc.Handle
	Conn *transport.HostConn
}

// Error is a failed launch. When a process was spawned before the failure,
// Status carries its exit status so the controller can classify it.
type Error struct {
	Status *proc.Status
	Err    error
}

func (e *Error) Error() string {
	if e.Status != nil {
		return fmt.Sprintf("launch failed (worker %s): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("launch failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Launch starts a worker and returns once all three channels are connected.
func Launch(opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.InProcess {
		if opts.Factory == nil {
			return nil, &Error{Err: fmt.Errorf("co-located mode requires a worker factory")}
		}
		host, worker := transport.Pipe()
		go opts.Factory(worker)
		logger.Info("Co-located worker started")
		return &Result{Conn: host}, nil
	}

	ln, err := transport.Listen()
	if err != nil {
		return nil, &Error{Err: err}
	}

	mode := protocol.ModeHeaded
	if opts.Headless {
		mode = protocol.ModeHeadless
	}

	cmd := exec.Command(opts.ExePath, opts.Args...)
	cmd.Env = append(os.Environ(),
		protocol.EnvVersion+"="+protocol.Version,
		protocol.EnvEndpoint+"="+ln.Endpoint(),
		protocol.EnvMode+"="+mode,
		"GOTRACEBACK=all",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = ln.Close()
		return nil, &Error{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = ln.Close()
		return nil, &Error{Err: err}
	}

	handle, err := proc.Start(cmd)
	if err != nil {
		_ = ln.Close()
		return nil, &Error{Err: fmt.Errorf("starting %s: %w", opts.ExePath, err)}
	}
	logger.Info("Worker process started", "pid", handle.Pid(), "exe", opts.ExePath, "mode", mode)

	go streamOutput(stdout, "stdout", logger)
	go streamOutput(stderr, "stderr", logger)

	timeout := opts.AcceptTimeout
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	conn, err := ln.Accept(timeout)
	if err != nil {
		// The worker never connected. Kill it and capture the exit
		// status so the caller can tell a version refusal from a
		// plain startup failure.
		_ = handle.Kill()
		st := handle.Wait()
		return nil, &Error{Status: &st, Err: err}
	}

	return &Result{Proc: handle, Conn: conn}, nil
}

// streamOutput forwards worker output lines to the host log.
func streamOutput(r io.Reader, source string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Info(scanner.Text(), "source", source)
	}
}
