// Package transport provides the three IPC channels between the host and
// the view worker: requests (host -> worker), responses (worker -> host)
// and events (worker -> host). Each channel is unidirectional, reliable and
// FIFO. Two implementations exist: an in-memory pipe for co-located mode
// and a unix-socket endpoint for a spawned worker process. Framing is
// newline-delimited JSON; callers only see whole envelopes.
package transport

import (
	"errors"
	"time"

	"github.com/glasspane/viewhost/internal/protocol"
)

// ErrDisconnected is returned by every send and receive once the peer is
// gone, regardless of the underlying cause.
var ErrDisconnected = errors.New("transport: peer disconnected")

// RequestWriter is the host end of the request channel.
type RequestWriter interface {
	WriteRequest(protocol.Request) error
	Close() error
}

// ResponseReader is the host end of the response channel.
type ResponseReader interface {
	// ReadResponse blocks until a response arrives or the peer is gone.
	ReadResponse() (protocol.Response, error)

	// ReadResponseTimeout waits up to d. The second return is false when
	// the wait timed out with no response.
	ReadResponseTimeout(d time.Duration) (protocol.Response, bool, error)

	Close() error
}

// EventReader is the host end of the event channel.
type EventReader interface {
	// ReadEvent blocks until an event arrives or the peer is gone.
	ReadEvent() (protocol.Event, error)

	// ReadEventTimeout waits up to d. The second return is false when the
	// wait timed out with no event.
	ReadEventTimeout(d time.Duration) (protocol.Event, bool, error)

	Close() error
}

// RequestReader is the worker end of the request channel.
type RequestReader interface {
	ReadRequest() (protocol.Request, error)
	Close() error
}

// ResponseWriter is the worker end of the response channel.
type ResponseWriter interface {
	WriteResponse(protocol.Response) error
	Close() error
}

// EventWriter is the worker end of the event channel.
type EventWriter interface {
	WriteEvent(protocol.Event) error
	Close() error
}

// HostConn bundles the host ends of the three channels. The controller owns
// Requests and Responses; the event listener owns Events exclusively.
type HostConn struct {
	Requests  RequestWriter
	Responses ResponseReader
	Events    EventReader
}

// Close closes all three channel ends.
func (c *HostConn) Close() {
	if c == nil {
		return
	}
	if c.Requests != nil {
		_ = c.Requests.Close()
	}
	if c.Responses != nil {
		_ = c.Responses.Close()
	}
	if c.Events != nil {
		_ = c.Events.Close()
	}
}

// WorkerConn bundles the worker ends of the three channels.
type WorkerConn struct {
	Requests  RequestReader
	Responses ResponseWriter
	Events    EventWriter
}

// Close closes all three channel ends.
func (c *WorkerConn) Close() {
	if c == nil {
		return
	}
	if c.Requests != nil {
		_ = c.Requests.Close()
	}
	if c.Responses != nil {
		_ = c.Responses.Close()
	}
	if c.Events != nil {
		_ = c.Events.Close()
	}
}
