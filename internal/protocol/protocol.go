// Package protocol defines the wire contract between the supervising host
// and the view worker process: the RPC method table, the request/response
// and event envelopes, the environment variables passed to a spawned
// worker, and the sentinel exit codes the worker uses to report
// non-retryable failures.
package protocol

import "encoding/json"

// Version is the protocol version string. The worker refuses to serve a
// host speaking a different version and exits with ExitCodeVersionMismatch.
const Version = "1"

// Environment variables carried to a spawned worker process.
const (
	EnvVersion  = "VIEWHOST_PROTOCOL_VERSION"
	EnvEndpoint = "VIEWHOST_ENDPOINT"
	EnvMode     = "VIEWHOST_MODE" // "headless" or "headed"
)

// Mode values for EnvMode.
const (
	ModeHeadless = "headless"
	ModeHeaded   = "headed"
)

// ExitCodeVersionMismatch is the sentinel exit code a worker uses to report
// a protocol version skew ('V'). Respawning cannot fix a version mismatch,
// so the supervisor propagates this code as its own exit code.
const ExitCodeVersionMismatch = 86

// Method identifies one RPC on the view worker.
type Method string

// The closed set of RPC methods.
const (
	MethodHandshake    Method = "handshake"
	MethodCreateWindow Method = "create_window"
	MethodCloseWindow  Method = "close_window"
	MethodSetTitle     Method = "set_title"
	MethodSubmitFrame  Method = "submit_frame"
	MethodScreenshot   Method = "screenshot"
	MethodGetClipboard Method = "get_clipboard"
	MethodSetClipboard Method = "set_clipboard"
	MethodQuit         Method = "quit"
)

// MethodSpec declares the calling convention of a method.
type MethodSpec struct {
	// Response is true for request/response methods. Methods without a
	// response are one-way commands: the caller never blocks on the
	// response channel for them.
	Response bool

	// RequiresConn is true for methods only valid after a successful
	// handshake. Only the handshake itself is exempt.
	RequiresConn bool
}

// Methods is the shared protocol table. Both the host facade and the worker
// dispatch loop are driven by it.
var Methods = map[Method]MethodSpec{
	MethodHandshake:    {Response: true, RequiresConn: false},
	MethodCreateWindow: {Response: true, RequiresConn: true},
	MethodCloseWindow:  {Response: false, RequiresConn: true},
	MethodSetTitle:     {Response: false, RequiresConn: true},
	MethodSubmitFrame:  {Response: false, RequiresConn: true},
	MethodScreenshot:   {Response: true, RequiresConn: true},
	MethodGetClipboard: {Response: true, RequiresConn: true},
	MethodSetClipboard: {Response: false, RequiresConn: true},
	MethodQuit:         {Response: false, RequiresConn: true},
}

// Request is the envelope for host -> worker calls.
type Request struct {
	Method  Method          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for worker -> host replies. Method echoes the
// request it answers; the response channel is strictly one-in-one-out, so a
// mismatched echo means the two sides have desynchronized.
type Response struct {
	Method  Method          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// EventKind identifies an unsolicited worker -> host event.
type EventKind string

// Privileged event kinds, consumed by the controller itself.
const (
	EventInited       EventKind = "inited"
	EventSuspended    EventKind = "suspended"
	EventDisconnected EventKind = "disconnected"
)

// Application event kinds, forwarded verbatim to the host callback.
const (
	EventWindowResized        EventKind = "window_resized"
	EventWindowCloseRequested EventKind = "window_close_requested"
	EventClipboardChanged     EventKind = "clipboard_changed"
)

// Event is the envelope for unsolicited worker -> host notifications.
// Generation is set on the privileged kinds so the controller can discard
// events from a superseded worker lifetime.
type Event struct {
	Kind       EventKind       `json:"kind"`
	Generation uint64          `json:"generation,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Privileged reports whether the event kind is consumed by the controller
// rather than forwarded to the application.
func (e Event) Privileged() bool {
	switch e.Kind {
	case EventInited, EventSuspended, EventDisconnected:
		return true
	default:
		return false
	}
}
