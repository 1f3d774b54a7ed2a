package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/glasspane/viewhost/internal/launcher"
	"github.com/glasspane/viewhost/internal/proc"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
	"github.com/glasspane/viewhost/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLauncher stands in for launcher.Launch. Each launch serves a real
// in-process worker over a pipe and pairs it with a real shell process, so
// the termination and exit-status paths run against actual processes while
// the transport stays deterministic.
type fakeLauncher struct {
	t          *testing.T
	cmds       []string             // shell command per launch; the last entry repeats
	fail       map[int]bool         // 1-based launch calls that fail to spawn
	failStatus map[int]*proc.Status // launch calls where the worker died before connecting
	refuse     map[int]bool         // launch calls whose worker refuses the handshake
	calls      int
	procs      []*proc.Handle
	workers    []*transport.WorkerConn
}

func (f *fakeLauncher) launch(launcher.Options) (*launcher.Result, error) {
	f.calls++
	if f.fail[f.calls] {
		return nil, errors.New("spawn failed")
	}
	if st := f.failStatus[f.calls]; st != nil {
		return nil, &launcher.Error{Status: st, Err: errors.New("accepting worker connection: timed out")}
	}
	cmd := f.cmds[len(f.cmds)-1]
	if f.calls-1 < len(f.cmds) {
		cmd = f.cmds[f.calls-1]
	}

	host, wc := transport.Pipe()
	if f.refuse[f.calls] {
		go refuseHandshake(wc)
	} else {
		go func() {
			_ = worker.Serve(wc, worker.Options{Headless: true, Logger: discardLogger()})
		}()
	}

	h, err := proc.Start(exec.Command("sh", "-c", cmd))
	if err != nil {
		return nil, err
	}
	f.procs = append(f.procs, h)
	f.workers = append(f.workers, wc)
	f.t.Cleanup(func() {
		_ = h.Kill()
		h.Wait()
	})
	return &launcher.Result{Proc: h, Conn: host}, nil
}

// refuseHandshake plays a worker built against a different protocol
// version: it answers the handshake with the error and closes its end, the
// way Serve does before exiting with the sentinel code.
func refuseHandshake(wc *transport.WorkerConn) {
	req, err := wc.Requests.ReadRequest()
	if err != nil {
		return
	}
	_ = wc.Responses.WriteResponse(protocol.Response{
		Method: req.Method,
		Err:    "protocol version mismatch",
	})
	wc.Close()
}

type harness struct {
	c      *Controller
	launch *fakeLauncher
	events chan protocol.Event
}

func newHarness(t *testing.T, cmds ...string) *harness {
	t.Helper()
	if len(cmds) == 0 {
		cmds = []string{"sleep 60"}
	}
	f := &fakeLauncher{t: t, cmds: cmds, fail: map[int]bool{}}
	events := make(chan protocol.Event, 64)
	c, err := New(Options{
		ExePath:      "/bin/true",
		OnEvent:      func(ev protocol.Event) { events <- ev },
		Logger:       discardLogger(),
		PollInterval: 20 * time.Millisecond,
		GraceTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.launch = f.launch
	t.Cleanup(c.Close)
	return &harness{c: c, launch: f, events: events}
}

// waitDisconnect drains the event stream until the listener reports the
// given generation gone.
func (h *harness) waitDisconnect(t *testing.T, gen uint64) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == protocol.EventDisconnected && ev.Generation == gen {
				return
			}
		case <-deadline:
			t.Fatalf("no disconnect event for generation %d", gen)
		}
	}
}

// exitCall is the panic payload of the trapped exit hook. fatalf never
// returns in production, and the panic preserves that in tests.
type exitCall int

func trapExit(c *Controller) {
	c.exit = func(code int) { panic(exitCall(code)) }
}

func catchExit(fn func()) (code int, exited bool) {
	defer func() {
		if r := recover(); r != nil {
			ec, ok := r.(exitCall)
			if !ok {
				panic(r)
			}
			code, exited = int(ec), true
		}
	}()
	fn()
	return 0, false
}

func TestStartAndRPCRoundTrip(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := h.c.Stats()
	if st.State != StateConnected || st.Generation != 1 {
		t.Fatalf("after Start: state=%s generation=%d", st.State, st.Generation)
	}

	id, err := h.c.CreateWindow("main", 800, 600)
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if id == 0 {
		t.Fatal("window ID should be nonzero")
	}

	// Fire-and-forget must not consume a response slot: a follow-up
	// request/response call would hit a desync panic if it did.
	if err := h.c.SetTitle(id, "renamed"); err != nil {
		t.Fatalf("SetTitle: %v", err)
	}
	shot, err := h.c.Screenshot(id)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if len(shot) == 0 {
		t.Fatal("empty screenshot")
	}

	if err := h.c.SetClipboard("copied"); err != nil {
		t.Fatalf("SetClipboard: %v", err)
	}
	got, err := h.c.GetClipboard()
	if err != nil {
		t.Fatalf("GetClipboard: %v", err)
	}
	if got != "copied" {
		t.Fatalf("clipboard = %q, want %q", got, "copied")
	}
}

func TestRPCBeforeStartIsDisconnected(t *testing.T) {
	h := newHarness(t)
	if _, err := h.c.CreateWindow("early", 1, 1); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("CreateWindow before Start: %v, want ErrDisconnected", err)
	}
	if err := h.c.SubmitFrame(1, 1, []byte("px")); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("SubmitFrame before Start: %v, want ErrDisconnected", err)
	}
}

func TestSingleController(t *testing.T) {
	h := newHarness(t)
	if _, err := New(Options{ExePath: "/bin/true", OnEvent: func(protocol.Event) {}}); err == nil {
		t.Fatal("second New should fail while the first controller is live")
	}
	h.c.Close()
	c2, err := New(Options{ExePath: "/bin/true", OnEvent: func(protocol.Event) {}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	c2.Close()
}

func TestExplicitRespawnBumpsGeneration(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.c.Respawn(); err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if err := h.c.Respawn(); err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	st := h.c.Stats()
	if st.Generation != 3 || st.State != StateConnected {
		t.Fatalf("after two respawns: state=%s generation=%d", st.State, st.Generation)
	}
	if st.FastRespawns != 0 {
		t.Fatalf("explicit respawns counted as crashes: %d", st.FastRespawns)
	}

	// The killed generations reported disconnects through the old
	// listeners. Replaying them must not trigger further respawns.
	launches := h.launch.calls
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 2})
	if h.launch.calls != launches {
		t.Fatalf("stale disconnects caused %d extra launches", h.launch.calls-launches)
	}
	if got := h.c.Stats().Generation; got != 3 {
		t.Fatalf("generation moved to %d on stale disconnects", got)
	}
}

func TestCrashTriggersRespawn(t *testing.T) {
	h := newHarness(t, "exit 7", "sleep 60")
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitDisconnect(t, 1)
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})

	st := h.c.Stats()
	if st.State != StateConnected || st.Generation != 2 {
		t.Fatalf("after crash respawn: state=%s generation=%d", st.State, st.Generation)
	}
	if st.FastRespawns != 1 {
		t.Fatalf("fast respawn count = %d, want 1", st.FastRespawns)
	}
	if _, err := h.c.CreateWindow("again", 1, 1); err != nil {
		t.Fatalf("RPC after respawn: %v", err)
	}
}

func TestCrashLoopIsFatalOnSecondFastCrash(t *testing.T) {
	h := newHarness(t, "exit 7", "exit 7", "sleep 60")
	trapExit(h.c)
	base := time.Now()
	h.c.now = func() time.Time { return base }

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.waitDisconnect(t, 1)
	if code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	}); exited {
		t.Fatalf("first crash was fatal with code %d", code)
	}

	h.waitDisconnect(t, 2)
	code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 2})
	})
	if !exited || code != ExitCodeFatal {
		t.Fatalf("second fast crash: exited=%v code=%d, want fatal %d", exited, code, ExitCodeFatal)
	}
	if st := h.c.Stats(); st.State != StateNotRunning {
		t.Fatalf("state after crash loop = %s", st.State)
	}
}

func TestSlowCrashesNeverTripTheLoopDetector(t *testing.T) {
	h := newHarness(t, "exit 7", "exit 7", "exit 7", "sleep 60")
	trapExit(h.c)
	clock := time.Now()
	h.c.now = func() time.Time { return clock }

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for gen := uint64(1); gen <= 3; gen++ {
		clock = clock.Add(61 * time.Second)
		h.waitDisconnect(t, gen)
		if code, exited := catchExit(func() {
			h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: gen})
		}); exited {
			t.Fatalf("crash %d with slow gaps was fatal with code %d", gen, code)
		}
	}
	st := h.c.Stats()
	if st.Generation != 4 || st.State != StateConnected {
		t.Fatalf("after three slow crashes: state=%s generation=%d", st.State, st.Generation)
	}
}

func TestRelaunchRetriesThenGivesUp(t *testing.T) {
	h := newHarness(t, "exit 7")
	trapExit(h.c)
	h.launch.fail[2] = true
	h.launch.fail[3] = true
	h.launch.fail[4] = true

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitDisconnect(t, 1)
	code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	})
	if !exited || code != ExitCodeFatal {
		t.Fatalf("exhausted launches: exited=%v code=%d, want fatal %d", exited, code, ExitCodeFatal)
	}
	if h.launch.calls != 4 {
		t.Fatalf("launch called %d times, want 1 start + 3 retries", h.launch.calls)
	}
}

func TestRelaunchRecoversWithinRetryBudget(t *testing.T) {
	h := newHarness(t, "exit 7", "sleep 60")
	trapExit(h.c)
	h.launch.fail[2] = true
	h.launch.fail[3] = true

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitDisconnect(t, 1)
	if code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	}); exited {
		t.Fatalf("respawn was fatal with code %d despite a successful third attempt", code)
	}
	st := h.c.Stats()
	if st.State != StateConnected || st.Generation != 2 {
		t.Fatalf("after recovered respawn: state=%s generation=%d", st.State, st.Generation)
	}
	if h.launch.calls != 4 {
		t.Fatalf("launch called %d times, want 4", h.launch.calls)
	}
}

func TestExternallyKilledWorkerEndsSupervisor(t *testing.T) {
	h := newHarness(t)
	trapExit(h.c)
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.launch.procs[0].Kill(); err != nil {
		t.Fatalf("killing worker process: %v", err)
	}
	h.waitDisconnect(t, 1)
	code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	})
	if !exited || code != ExitCodeExternalKill {
		t.Fatalf("external kill: exited=%v code=%d, want %d", exited, code, ExitCodeExternalKill)
	}
	if h.launch.calls != 1 {
		t.Fatalf("supervisor relaunched an externally killed worker")
	}
}

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name     string
		st       proc.Status
		wantExit bool
		wantCode int
	}{
		{"version mismatch propagates sentinel", proc.Status{Code: protocol.ExitCodeVersionMismatch}, true, protocol.ExitCodeVersionMismatch},
		{"sigkill is external", proc.Status{Signaled: true, Signal: syscall.SIGKILL}, true, ExitCodeExternalKill},
		{"sigterm is external", proc.Status{Signaled: true, Signal: syscall.SIGTERM}, true, ExitCodeExternalKill},
		{"ordinary crash code respawns", proc.Status{Code: 7}, false, 0},
		{"unlisted signal respawns", proc.Status{Signaled: true, Signal: syscall.SIGSEGV}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			trapExit(h.c)
			code, exited := catchExit(func() { h.c.classifyExit(tt.st) })
			if exited != tt.wantExit || code != tt.wantCode {
				t.Fatalf("classifyExit(%s): exited=%v code=%d, want exited=%v code=%d",
					tt.st, exited, code, tt.wantExit, tt.wantCode)
			}
		})
	}
}

func TestVersionSkewOnStartPropagatesWorkerCode(t *testing.T) {
	h := newHarness(t, "exit 86")
	trapExit(h.c)
	h.launch.refuse = map[int]bool{1: true}

	code, exited := catchExit(func() { _ = h.c.Start() })
	if !exited || code != protocol.ExitCodeVersionMismatch {
		t.Fatalf("mismatched first worker: exited=%v code=%d, want %d",
			exited, code, protocol.ExitCodeVersionMismatch)
	}
}

func TestVersionSkewOnRespawnPropagatesWorkerCode(t *testing.T) {
	h := newHarness(t, "exit 7", "exit 86")
	trapExit(h.c)
	h.launch.refuse = map[int]bool{2: true}

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitDisconnect(t, 1)
	code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	})
	if !exited || code != protocol.ExitCodeVersionMismatch {
		t.Fatalf("mismatched replacement worker: exited=%v code=%d, want %d",
			exited, code, protocol.ExitCodeVersionMismatch)
	}
}

func TestVersionRefusalBeforeConnectStopsRetries(t *testing.T) {
	h := newHarness(t, "exit 7")
	trapExit(h.c)
	h.launch.failStatus = map[int]*proc.Status{
		2: {Code: protocol.ExitCodeVersionMismatch},
	}

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitDisconnect(t, 1)
	code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	})
	if !exited || code != protocol.ExitCodeVersionMismatch {
		t.Fatalf("pre-connect refusal: exited=%v code=%d, want %d",
			exited, code, protocol.ExitCodeVersionMismatch)
	}
	if h.launch.calls != 2 {
		t.Fatalf("launch called %d times, want no retries after a version refusal", h.launch.calls)
	}
}

func TestCloseWithDeadWorkerDoesNotRespawn(t *testing.T) {
	h := newHarness(t, "exit 7", "sleep 60")
	trapExit(h.c)

	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// A crash inside the window primes the loop detector; a respawn
	// triggered during Close would now be fatal.
	h.waitDisconnect(t, 1)
	if code, exited := catchExit(func() {
		h.c.HandleEvent(protocol.Event{Kind: protocol.EventDisconnected, Generation: 1})
	}); exited {
		t.Fatalf("first crash was fatal with code %d", code)
	}

	// Tear the worker's channels down so the Quit in Close cannot be
	// delivered.
	h.launch.workers[1].Close()
	launches := h.launch.calls
	code, exited := catchExit(h.c.Close)
	if exited {
		t.Fatalf("Close exited the supervisor with code %d", code)
	}
	if h.launch.calls != launches {
		t.Fatalf("Close relaunched the worker %d times", h.launch.calls-launches)
	}
	if st := h.c.Stats(); st.State != StateNotRunning {
		t.Fatalf("state after Close = %s", st.State)
	}
}

func TestSuspendResumeAdoptsNewGeneration(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.c.HandleEvent(protocol.Event{Kind: protocol.EventSuspended, Generation: 1})
	if st := h.c.Stats(); st.State != StateSuspended {
		t.Fatalf("state after suspend = %s", st.State)
	}
	if _, err := h.c.GetClipboard(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("RPC while suspended: %v, want ErrDisconnected", err)
	}

	// The OS may replace the worker while backgrounded; the inited event
	// then carries an unknown, newer generation and is adopted as-is.
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventInited, Generation: 5})
	st := h.c.Stats()
	if st.State != StateConnected || st.Generation != 5 {
		t.Fatalf("after resume: state=%s generation=%d", st.State, st.Generation)
	}
}

func TestStaleInitedIsIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.c.state = StateNotRunning
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventInited, Generation: 7})
	if h.c.state != StateNotRunning {
		t.Fatalf("stale inited event moved state to %s", h.c.state)
	}
	h.c.HandleEvent(protocol.Event{Kind: protocol.EventInited, Generation: 1})
	if h.c.state != StateConnected || h.c.generation != 1 {
		t.Fatalf("matching inited: state=%s generation=%d", h.c.state, h.c.generation)
	}
}

func TestColocatedController(t *testing.T) {
	c, err := New(Options{
		InProcess: true,
		Factory:   worker.Factory(worker.Options{Headless: true, Logger: discardLogger()}),
		OnEvent:   func(protocol.Event) {},
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.CreateWindow("embedded", 320, 240); err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}

	// There is no separate process to relaunch, so an explicit respawn
	// request is a logged no-op rather than an error.
	if err := c.Respawn(); err != nil {
		t.Fatalf("Respawn co-located: %v", err)
	}
	if st := c.Stats(); st.Generation != 1 {
		t.Fatalf("co-located respawn changed generation to %d", st.Generation)
	}
}
