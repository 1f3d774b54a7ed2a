// Package listener pumps the event channel of one worker generation on a
// dedicated goroutine. The caller's event callback is treated as an owned,
// movable resource: the listener holds it for its lifetime and hands it
// back through Join when the generation ends, so callback state survives
// respawns.
package listener

import (
	"log/slog"
	"time"

	"github.com/glasspane/viewhost/internal/proc"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
)

// DefaultPollInterval is the liveness poll period in out-of-process mode.
// Some transports do not reliably signal peer death on the channel itself,
// so a quiet tick also probes the process.
const DefaultPollInterval = time.Second

// Callback receives every event of the generation, including the final
// disconnect. It runs on the listener goroutine.
type Callback func(protocol.Event)

// Options configures one listener generation.
type Options struct {
	Events     transport.EventReader
	Generation uint64
	Callback   Callback
	Logger     *slog.Logger

	// Proc is polled for liveness on quiet ticks. Leave nil in co-located
	// mode, where the channel itself reports closure reliably and the
	// loop may block indefinitely.
	Proc *proc.Shared

	PollInterval time.Duration
}

type outcome struct {
	cb       Callback
	panicked any
}

// Listener is a running event pump. It terminates if and only if its
// generation's worker is gone.
type Listener struct {
	result chan outcome
}

// Spawn starts the pump goroutine.
func Spawn(opts Options) *Listener {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	l := &Listener{result: make(chan outcome, 1)}
	go func() {
		var panicked any
		func() {
			defer func() { panicked = recover() }()
			run(opts)
		}()
		l.result <- outcome{cb: opts.Callback, panicked: panicked}
	}()
	return l
}

// Join blocks until the pump goroutine has ended and returns the callback
// for reuse by the next generation. A panic from the callback is re-raised
// here rather than swallowed on the pump goroutine.
func (l *Listener) Join() Callback {
	out := <-l.result
	if out.panicked != nil {
		panic(out.panicked)
	}
	return out.cb
}

func run(opts Options) {
	for {
		ev, ok, err := recvNext(opts)
		if err != nil {
			opts.Logger.Debug("Event channel closed", "generation", opts.Generation)
			deliverDisconnect(opts)
			return
		}
		if !ok {
			// Quiet tick: the channel is silent but may simply be
			// idle. Probe the process to catch silent death.
			if _, exited, present := opts.Proc.TryWait(); present && exited {
				opts.Logger.Debug("Worker process exited", "generation", opts.Generation)
				deliverDisconnect(opts)
				return
			}
			continue
		}

		opts.Callback(ev)
		if ev.Kind == protocol.EventDisconnected {
			return
		}
	}
}

func recvNext(opts Options) (protocol.Event, bool, error) {
	if opts.Proc == nil {
		ev, err := opts.Events.ReadEvent()
		return ev, err == nil, err
	}
	return opts.Events.ReadEventTimeout(opts.PollInterval)
}

func deliverDisconnect(opts Options) {
	opts.Callback(protocol.Event{
		Kind:       protocol.EventDisconnected,
		Generation: opts.Generation,
	})
}
