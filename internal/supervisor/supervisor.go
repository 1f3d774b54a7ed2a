// Package supervisor owns the view worker process: it launches it,
// maintains the versioned RPC connection, pumps its event stream through a
// dedicated listener goroutine, and respawns it when it crashes, bounded
// by a crash-loop detector and a launch retry limit. A worker killed
// externally ends the supervising process instead.
//
// A Controller is single-threaded by contract: Start, the RPC facade,
// HandleEvent, Respawn and Close must all be called from one goroutine.
// The response channel carries exactly one in-flight request at a time;
// concurrent callers would desynchronize the protocol. The only state
// shared with the listener goroutine is the locked process handle.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/glasspane/viewhost/internal/launcher"
	"github.com/glasspane/viewhost/internal/listener"
	"github.com/glasspane/viewhost/internal/metrics"
	"github.com/glasspane/viewhost/internal/proc"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
)

// State of the connection to the current worker generation.
type State string

const (
	// StateNotRunning holds before the first handshake and between a
	// detected disconnect and its resolution.
	StateNotRunning State = "not_running"
	// StateConnected means the current generation completed its
	// handshake and accepts requests.
	StateConnected State = "connected"
	// StateSuspended is an OS-level pause (mobile backgrounding), not a
	// crash.
	StateSuspended State = "suspended"
)

// ErrDisconnected is the only error kind ordinary RPC callers see: the
// worker is gone or not yet (re)connected. The supervisor handles the
// respawn internally.
var ErrDisconnected = errors.New("supervisor: view worker disconnected")

// RemoteError is a failure the worker reported for an otherwise healthy
// RPC round trip.
type RemoteError struct {
	Method protocol.Method
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Msg)
}

// Supervisor process exit codes for the unrecoverable-by-design outcomes.
// A version mismatch propagates the worker's own sentinel code instead.
const (
	// ExitCodeExternalKill mirrors a worker that the user or OS killed.
	ExitCodeExternalKill = 1
	// ExitCodeFatal covers crash loops and exhausted launch retries.
	ExitCodeFatal = 70
)

const (
	defaultLaunchAttempts   = 3
	defaultCrashLoopWindow  = 60 * time.Second
	defaultGraceTimeout     = 300 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second

	// fastRespawnLimit is the number of crash respawns inside the window
	// that counts as a crash loop.
	fastRespawnLimit = 2
)

// running guards the process-wide singleton: at most one Controller may be
// live in a process, because the worker contract (endpoint env vars, exit
// code propagation) is per-process.
var running atomic.Bool

// Options configures a Controller.
type Options struct {
	// ExePath and Args name the worker executable. Ignored in
	// co-located mode. Args defaults to {"worker"}.
	ExePath string
	Args    []string

	Headless bool

	// InProcess runs the worker co-located over an in-memory pipe.
	// Decided before construction, immutable afterwards. Factory must
	// be set in this mode.
	InProcess bool
	Factory   launcher.WorkerFactory

	// OnEvent receives every worker event, including the privileged
	// ones, on the listener goroutine. The application is expected to
	// forward events to its own loop and call HandleEvent there.
	OnEvent listener.Callback

	// OnStateChange, when set, observes connection state transitions.
	OnStateChange func(State, uint64)

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	LaunchAttempts   int
	CrashLoopWindow  time.Duration
	GraceTimeout     time.Duration
	PollInterval     time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration

	ExitPolicy ExitPolicy
}

// Snapshot is a read-only view of the controller for observers on other
// goroutines (status API, metrics scrapes).
type Snapshot struct {
	State        State     `json:"state"`
	Generation   uint64    `json:"generation"`
	Pid          int       `json:"pid,omitempty"`
	InProcess    bool      `json:"in_process"`
	FastRespawns int       `json:"fast_respawns"`
	LastRespawn  time.Time `json:"last_respawn,omitzero"`
}

// Controller supervises one worker process lifetime after another.
type Controller struct {
	opts   Options
	logger *slog.Logger

	state      State
	generation uint64
	isRespawn  bool

	conn     *transport.HostConn
	procs    *proc.Shared
	listener *listener.Listener

	lastRespawn  time.Time
	fastRespawns int

	snapshot atomic.Pointer[Snapshot]
	closed   bool

	// Seams for tests.
	launch func(launcher.Options) (*launcher.Result, error)
	now    func() time.Time
	exit   func(code int)
}

// New constructs the process-wide Controller. It fails if one is already
// live, if no event callback is supplied, or if the mode configuration is
// incomplete.
func New(opts Options) (*Controller, error) {
	if opts.OnEvent == nil {
		return nil, errors.New("supervisor: OnEvent callback is required")
	}
	if opts.InProcess && opts.Factory == nil {
		return nil, errors.New("supervisor: co-located mode requires a worker factory")
	}
	if !opts.InProcess && opts.ExePath == "" {
		return nil, errors.New("supervisor: worker executable path is required")
	}
	if !running.CompareAndSwap(false, true) {
		return nil, errors.New("supervisor: a controller is already running in this process")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LaunchAttempts <= 0 {
		opts.LaunchAttempts = defaultLaunchAttempts
	}
	if opts.CrashLoopWindow <= 0 {
		opts.CrashLoopWindow = defaultCrashLoopWindow
	}
	if opts.GraceTimeout <= 0 {
		opts.GraceTimeout = defaultGraceTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"worker"}
	}
	if len(opts.ExitPolicy.ExternalSignals) == 0 {
		opts.ExitPolicy = DefaultExitPolicy()
	}

	c := &Controller{
		opts:   opts,
		logger: opts.Logger,
		state:  StateNotRunning,
		launch: launcher.Launch,
		now:    time.Now,
		exit:   os.Exit,
	}
	c.publish()
	return c, nil
}

// Start launches the first worker generation and performs the handshake.
// Failure here is a hard error: the caller has never seen a working
// connection, so there is nothing to transparently recover.
func (c *Controller) Start() error {
	if c.conn != nil {
		return errors.New("supervisor: already started")
	}

	res, err := c.launchOnce()
	if err != nil {
		c.classifyLaunchFailure(err)
		return fmt.Errorf("supervisor: %w", err)
	}
	c.install(res)
	c.generation = 1
	c.opts.Metrics.SetGeneration(c.generation)

	if err := c.handshake(); err != nil {
		c.reapHandshakeFailure()
		c.conn.Close()
		return fmt.Errorf("supervisor: initial handshake: %w", err)
	}
	c.setState(StateConnected)
	c.spawnListener(c.opts.OnEvent)
	c.logger.Info("Worker connected", "generation", c.generation, "pid", c.procs.Pid())
	return nil
}

// HandleEvent routes one event on the caller's goroutine. Privileged kinds
// drive the state machine; everything else is the application's business
// and is ignored here.
func (c *Controller) HandleEvent(ev protocol.Event) {
	switch ev.Kind {
	case protocol.EventInited:
		c.handleInited(ev.Generation)
	case protocol.EventSuspended:
		c.handleSuspended()
	case protocol.EventDisconnected:
		c.handleDisconnect(ev.Generation)
	}
}

// handleInited transitions into the connected state. From NotRunning the
// event must carry the current generation: a stale generation means the
// event comes from a worker lifetime that has since been superseded. From
// Suspended the event's generation is adopted, covering the OS silently
// restarting the worker while the app was backgrounded.
func (c *Controller) handleInited(gen uint64) {
	switch c.state {
	case StateNotRunning:
		if gen == c.generation {
			c.setState(StateConnected)
		} else {
			c.logger.Debug("Ignoring stale inited event", "event_generation", gen, "generation", c.generation)
		}
	case StateSuspended:
		c.generation = gen
		c.opts.Metrics.SetGeneration(gen)
		c.setState(StateConnected)
	case StateConnected:
		// Duplicate init from the current worker; nothing to do.
	}
}

func (c *Controller) handleSuspended() {
	if c.state == StateConnected {
		c.setState(StateSuspended)
	}
}

// handleDisconnect triggers a crash respawn, unless the disconnect belongs
// to an already superseded generation.
func (c *Controller) handleDisconnect(gen uint64) {
	if gen != c.generation {
		c.logger.Debug("Ignoring disconnect for superseded generation", "event_generation", gen, "generation", c.generation)
		return
	}
	_ = c.respawn(true)
}

// Respawn tears the current worker down and starts a fresh generation on
// explicit request. Unlike a crash respawn it does not count toward the
// crash-loop detector.
func (c *Controller) Respawn() error {
	if c.conn == nil {
		return errors.New("supervisor: not started")
	}
	return c.respawn(false)
}

// Close shuts the worker down and releases the process-wide slot.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.closed = true

	if c.state == StateConnected {
		// Best effort: ask the worker to exit on its own.
		_ = c.command(protocol.MethodQuit, nil)
	}
	if c.procs == nil {
		running.Store(false)
		return
	}
	if h := c.procs.Take(); h != nil {
		if _, exited := h.WaitTimeout(c.opts.GraceTimeout); !exited {
			_ = h.Kill()
		}
		h.Wait()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.listener != nil {
		c.listener.Join()
		c.listener = nil
	}
	c.setState(StateNotRunning)
	running.Store(false)
}

// Stats returns a point-in-time view safe to read from any goroutine.
func (c *Controller) Stats() Snapshot {
	if s := c.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{State: StateNotRunning}
}

// respawn replaces the current generation. The ten steps are strictly
// ordered; see the package comment for the failure semantics.
func (c *Controller) respawn(isCrash bool) error {
	if c.closed {
		// Close sends a best-effort Quit; if the worker is already gone
		// the failed write funnels back here. Shutdown never respawns.
		c.logger.Debug("Ignoring respawn on a closed controller", "crash", isCrash)
		return nil
	}
	if c.opts.InProcess {
		// Co-located workers share our process; there is nothing to
		// kill and nothing to relaunch.
		if isCrash {
			c.setState(StateNotRunning)
		}
		c.logger.Warn("Cannot respawn a co-located worker", "crash", isCrash)
		return nil
	}

	c.setState(StateNotRunning)
	c.isRespawn = true

	h := c.procs.Take()
	if h == nil {
		return errors.New("supervisor: no worker process to replace")
	}

	if isCrash {
		now := c.now()
		if !c.lastRespawn.IsZero() && now.Sub(c.lastRespawn) < c.opts.CrashLoopWindow {
			c.fastRespawns++
		} else {
			// A slow gap opens a fresh window; this crash is its first.
			c.fastRespawns = 1
		}
		c.lastRespawn = now
		if c.fastRespawns >= fastRespawnLimit {
			c.publish()
			c.fatalf(ExitCodeFatal, "Crash loop: worker crashed twice within the window",
				"window", c.opts.CrashLoopWindow, "generation", c.generation)
			return errors.New("supervisor: crash loop")
		}
	} else {
		c.lastRespawn = time.Time{}
	}
	c.publish()

	// Termination sequencing. A crashed worker is expected to exit on
	// its own shortly after losing its channels, so it gets a short
	// grace period before the kill; an explicit respawn kills at once.
	killedByUs := false
	if !isCrash {
		_ = h.Kill()
		killedByUs = true
	} else if _, exited := h.TryWait(); !exited {
		if _, exited := h.WaitTimeout(c.opts.GraceTimeout); !exited {
			_ = h.Kill()
			killedByUs = true
		}
	}
	st := h.Wait()
	c.logger.Info("Worker exited", "status", st.String(), "generation", c.generation, "killed_by_us", killedByUs)

	if !killedByUs {
		c.classifyExit(st)
	}

	// Recover the event callback from the finished generation's
	// listener; a callback panic resurfaces here.
	cb := c.listener.Join()
	c.listener = nil
	c.conn.Close()

	reason := "explicit"
	if isCrash {
		reason = "crash"
	}
	c.opts.Metrics.Respawn(reason)

	var res *launcher.Result
	var lastErr error
	for attempt := 1; attempt <= c.opts.LaunchAttempts; attempt++ {
		res, lastErr = c.launchOnce()
		if lastErr == nil {
			break
		}
		c.classifyLaunchFailure(lastErr)
		c.logger.Warn("Worker launch failed", "attempt", attempt, "attempts", c.opts.LaunchAttempts, "error", lastErr)
	}
	if lastErr != nil {
		c.fatalf(ExitCodeFatal, "Giving up after repeated launch failures",
			"attempts", c.opts.LaunchAttempts, "error", lastErr)
		return fmt.Errorf("supervisor: relaunch: %w", lastErr)
	}

	c.install(res)
	c.generation++
	c.opts.Metrics.SetGeneration(c.generation)

	if err := c.handshake(); err != nil {
		c.reapHandshakeFailure()
		c.fatalf(ExitCodeFatal, "Handshake failed after respawn", "generation", c.generation, "error", err)
		return fmt.Errorf("supervisor: respawn handshake: %w", err)
	}
	c.setState(StateConnected)
	c.spawnListener(cb)
	c.logger.Info("Worker respawned", "generation", c.generation, "pid", c.procs.Pid(), "crash", isCrash)
	return nil
}

// classifyExit inspects the exit status of a worker we did not kill
// ourselves. Two patterns end the supervising process instead of a
// respawn: the version-mismatch sentinel (respawning cannot fix a version
// skew) and an external kill (a deliberate user/OS termination is
// authoritative).
func (c *Controller) classifyExit(st proc.Status) {
	if !st.Signaled && st.Code == protocol.ExitCodeVersionMismatch {
		c.fatalf(st.Code, "Worker protocol version does not match; exiting with its code",
			"code", st.Code)
		return
	}
	if c.opts.ExitPolicy.ExternallyKilled(st) {
		c.fatalf(ExitCodeExternalKill, "Worker was terminated externally; exiting", "status", st.String())
	}
}

// classifyLaunchFailure inspects a worker that died before connecting its
// channels. Only the version sentinel matters here: the launcher kills
// stragglers on accept timeout itself, so a signal status is our own doing
// and an ordinary exit code is a startup failure worth retrying.
func (c *Controller) classifyLaunchFailure(err error) {
	var lerr *launcher.Error
	if !errors.As(err, &lerr) || lerr.Status == nil {
		return
	}
	st := *lerr.Status
	if !st.Signaled && st.Code == protocol.ExitCodeVersionMismatch {
		c.fatalf(st.Code, "Worker protocol version does not match; exiting with its code",
			"code", st.Code)
	}
}

// reapHandshakeFailure collects the exit status of a worker whose
// handshake failed. A mismatched worker answers the handshake with the
// error and exits with its sentinel code, so the status is classified
// unless we had to kill it ourselves.
func (c *Controller) reapHandshakeFailure() {
	h := c.procs.Take()
	if h == nil {
		return
	}
	killedByUs := false
	if _, exited := h.WaitTimeout(c.opts.GraceTimeout); !exited {
		_ = h.Kill()
		killedByUs = true
	}
	st := h.Wait()
	c.logger.Info("Worker exited after failed handshake", "status", st.String(), "generation", c.generation)
	if !killedByUs {
		c.classifyExit(st)
	}
}

// fatalf reports an unrecoverable condition and ends the supervising
// process. Tests replace the exit hook, production does not.
func (c *Controller) fatalf(code int, msg string, args ...any) {
	c.logger.Error(msg, args...)
	c.exit(code)
}

func (c *Controller) launchOnce() (*launcher.Result, error) {
	return c.launch(launcher.Options{
		ExePath:       c.opts.ExePath,
		Args:          c.opts.Args,
		Headless:      c.opts.Headless,
		InProcess:     c.opts.InProcess,
		Factory:       c.opts.Factory,
		AcceptTimeout: c.opts.AcceptTimeout,
		Logger:        c.logger,
	})
}

// install replaces the transport and process handle as a set.
func (c *Controller) install(res *launcher.Result) {
	c.conn = res.Conn
	c.procs = proc.NewShared(res.Proc)
	c.publish()
}

func (c *Controller) spawnListener(cb listener.Callback) {
	var shared *proc.Shared
	if !c.opts.InProcess {
		shared = c.procs
	}
	c.listener = listener.Spawn(listener.Options{
		Events:       c.conn.Events,
		Generation:   c.generation,
		Callback:     cb,
		Logger:       c.logger,
		Proc:         shared,
		PollInterval: c.opts.PollInterval,
	})
}

// handshake runs the first request/response exchange of a generation with
// a bounded wait.
func (c *Controller) handshake() error {
	payload, err := json.Marshal(protocol.HandshakeRequest{
		Version:    protocol.Version,
		Generation: c.generation,
		IsRespawn:  c.isRespawn,
	})
	if err != nil {
		return err
	}
	if err := c.conn.Requests.WriteRequest(protocol.Request{
		Method:  protocol.MethodHandshake,
		Payload: payload,
	}); err != nil {
		return err
	}

	resp, ok, err := c.conn.Responses.ReadResponseTimeout(c.opts.HandshakeTimeout)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("handshake timed out after %v", c.opts.HandshakeTimeout)
	}
	if resp.Method != protocol.MethodHandshake {
		panic(fmt.Sprintf("supervisor: protocol desync: handshake answered with %q", resp.Method))
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	c.isRespawn = false
	return nil
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.opts.Metrics.SetWorkerUp(s == StateConnected)
	c.publish()
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s, c.generation)
	}
}

// publish refreshes the lock-free snapshot for observer goroutines.
func (c *Controller) publish() {
	pid := 0
	if c.procs != nil {
		pid = c.procs.Pid()
	}
	c.snapshot.Store(&Snapshot{
		State:        c.state,
		Generation:   c.generation,
		Pid:          pid,
		InProcess:    c.opts.InProcess,
		FastRespawns: c.fastRespawns,
		LastRespawn:  c.lastRespawn,
	})
}
