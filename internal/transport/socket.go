package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glasspane/viewhost/internal/protocol"
)

// Channel roles announced by the worker when it dials the endpoint. The
// worker opens one connection per channel so the three streams stay
// independent and strictly FIFO.
const (
	roleRequest  = "request"
	roleResponse = "response"
	roleEvent    = "event"
)

// hello is the first line the worker writes on every new connection.
type hello struct {
	Role string `json:"role"`
}

// Listener is a single-use unix-socket endpoint the worker process connects
// back to. The endpoint name is passed to the worker via the environment.
type Listener struct {
	ln       *net.UnixListener
	endpoint string
}

// Listen creates a uniquely named endpoint under the temp directory.
func Listen() (*Listener, error) {
	endpoint := filepath.Join(os.TempDir(), "viewhost-"+uuid.NewString()+".sock")
	addr, err := net.ResolveUnixAddr("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving endpoint: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", endpoint, err)
	}
	return &Listener{ln: ln, endpoint: endpoint}, nil
}

// Endpoint returns the socket path the worker must dial.
func (l *Listener) Endpoint() string { return l.endpoint }

// Close shuts the endpoint down. Accept closes it implicitly.
func (l *Listener) Close() error { return l.ln.Close() }

// Accept waits for the worker to dial all three channel connections within
// the timeout and returns the assembled host ends. The listener is closed
// afterwards whether or not the accept succeeded; the endpoint serves
// exactly one worker generation.
func (l *Listener) Accept(timeout time.Duration) (*HostConn, error) {
	defer l.ln.Close()

	deadline := time.Now().Add(timeout)
	conns := make(map[string]net.Conn, 3)
	decoders := make(map[string]*json.Decoder, 3)

	for len(conns) < 3 {
		if err := l.ln.SetDeadline(deadline); err != nil {
			closeConns(conns)
			return nil, fmt.Errorf("transport: setting accept deadline: %w", err)
		}
		c, err := l.ln.Accept()
		if err != nil {
			closeConns(conns)
			return nil, fmt.Errorf("transport: accepting worker channels: %w", err)
		}

		// The hello must arrive within the same bound. The decoder is
		// kept: it may already have buffered bytes past the hello.
		_ = c.SetReadDeadline(deadline)
		dec := json.NewDecoder(c)
		var h hello
		if err := dec.Decode(&h); err != nil {
			_ = c.Close()
			closeConns(conns)
			return nil, fmt.Errorf("transport: reading channel hello: %w", err)
		}
		_ = c.SetReadDeadline(time.Time{})

		switch h.Role {
		case roleRequest, roleResponse, roleEvent:
			if _, dup := conns[h.Role]; dup {
				_ = c.Close()
				closeConns(conns)
				return nil, fmt.Errorf("transport: duplicate %s channel", h.Role)
			}
			conns[h.Role] = c
			decoders[h.Role] = dec
		default:
			_ = c.Close()
			closeConns(conns)
			return nil, fmt.Errorf("transport: unknown channel role %q", h.Role)
		}
	}

	return &HostConn{
		Requests:  requestWriter{newJSONSink[protocol.Request](conns[roleRequest])},
		Responses: responseReader{q: pump[protocol.Response](decoders[roleResponse]), c: conns[roleResponse]},
		Events:    eventReader{q: pump[protocol.Event](decoders[roleEvent]), c: conns[roleEvent]},
	}, nil
}

// Dial connects the worker side of the transport to the host endpoint.
func Dial(endpoint string) (*WorkerConn, error) {
	reqConn, err := dialRole(endpoint, roleRequest)
	if err != nil {
		return nil, err
	}
	respConn, err := dialRole(endpoint, roleResponse)
	if err != nil {
		_ = reqConn.Close()
		return nil, err
	}
	evConn, err := dialRole(endpoint, roleEvent)
	if err != nil {
		_ = reqConn.Close()
		_ = respConn.Close()
		return nil, err
	}

	return &WorkerConn{
		Requests:  requestReader{q: pump[protocol.Request](json.NewDecoder(reqConn)), c: reqConn},
		Responses: responseWriter{newJSONSink[protocol.Response](respConn)},
		Events:    eventWriter{newJSONSink[protocol.Event](evConn)},
	}, nil
}

func dialRole(endpoint, role string) (net.Conn, error) {
	c, err := net.Dial("unix", endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", endpoint, err)
	}
	if err := json.NewEncoder(c).Encode(hello{Role: role}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("transport: announcing %s channel: %w", role, err)
	}
	return c, nil
}

func closeConns(conns map[string]net.Conn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

// pump decodes envelopes off a connection into a queue until the stream
// errors, which closes the queue and surfaces as ErrDisconnected to readers.
func pump[T any](dec *json.Decoder) *queue[T] {
	q := newQueue[T]()
	go func() {
		defer q.close()
		for {
			var v T
			if err := dec.Decode(&v); err != nil {
				return
			}
			if err := q.put(v); err != nil {
				return
			}
		}
	}()
	return q
}

// jsonSink serializes envelopes onto a connection. Any write failure is
// reported as a disconnect; the channel contract has no partial-failure
// mode.
type jsonSink[T any] struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   net.Conn
}

func newJSONSink[T any](c net.Conn) *jsonSink[T] {
	return &jsonSink[T]{enc: json.NewEncoder(c), c: c}
}

func (s *jsonSink[T]) put(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (s *jsonSink[T]) close() error { return s.c.Close() }
