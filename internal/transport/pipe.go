package transport

import (
	"io"
	"sync"
	"time"

	"github.com/glasspane/viewhost/internal/protocol"
)

// pipeBuffer is the per-channel capacity of an in-memory pipe. Sends block
// once the peer falls this far behind.
const pipeBuffer = 64

// queue is a closable FIFO shared by the two ends of one in-memory channel.
// The socket transport reuses it as the receive buffer behind its decoder
// pump, so both implementations share the timeout semantics.
type queue[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		ch:   make(chan T, pipeBuffer),
		done: make(chan struct{}),
	}
}

func (q *queue[T]) put(v T) error {
	select {
	case <-q.done:
		return ErrDisconnected
	default:
	}
	select {
	case q.ch <- v:
		return nil
	case <-q.done:
		return ErrDisconnected
	}
}

// get drains buffered items before reporting disconnection so that messages
// sent just before the peer closed are not lost.
func (q *queue[T]) get() (T, error) {
	select {
	case v := <-q.ch:
		return v, nil
	default:
	}
	select {
	case v := <-q.ch:
		return v, nil
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, nil
		default:
		}
		var zero T
		return zero, ErrDisconnected
	}
}

func (q *queue[T]) getTimeout(d time.Duration) (T, bool, error) {
	select {
	case v := <-q.ch:
		return v, true, nil
	default:
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case v := <-q.ch:
		return v, true, nil
	case <-timer.C:
		var zero T
		return zero, false, nil
	case <-q.done:
		select {
		case v := <-q.ch:
			return v, true, nil
		default:
		}
		var zero T
		return zero, false, ErrDisconnected
	}
}

func (q *queue[T]) close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// sink abstracts the write half of a channel so one set of adapter types
// serves both the pipe and socket implementations.
type sink[T any] interface {
	put(T) error
	close() error
}

// queueSink adapts a queue to the sink interface.
type queueSink[T any] struct{ q *queue[T] }

func (s queueSink[T]) put(v T) error { return s.q.put(v) }
func (s queueSink[T]) close() error  { return s.q.close() }

// Writer adapters.

type requestWriter struct{ s sink[protocol.Request] }

func (w requestWriter) WriteRequest(r protocol.Request) error { return w.s.put(r) }
func (w requestWriter) Close() error                          { return w.s.close() }

type responseWriter struct{ s sink[protocol.Response] }

func (w responseWriter) WriteResponse(r protocol.Response) error { return w.s.put(r) }
func (w responseWriter) Close() error                            { return w.s.close() }

type eventWriter struct{ s sink[protocol.Event] }

func (w eventWriter) WriteEvent(e protocol.Event) error { return w.s.put(e) }
func (w eventWriter) Close() error                      { return w.s.close() }

// Reader adapters. The optional closer shuts the underlying connection of a
// socket channel so its decoder pump unblocks; nil for in-memory pipes.

type requestReader struct {
	q *queue[protocol.Request]
	c io.Closer
}

func (r requestReader) ReadRequest() (protocol.Request, error) { return r.q.get() }
func (r requestReader) Close() error                           { return closeBoth(r.q.close, r.c) }

type responseReader struct {
	q *queue[protocol.Response]
	c io.Closer
}

func (r responseReader) ReadResponse() (protocol.Response, error) { return r.q.get() }
func (r responseReader) ReadResponseTimeout(d time.Duration) (protocol.Response, bool, error) {
	return r.q.getTimeout(d)
}
func (r responseReader) Close() error { return closeBoth(r.q.close, r.c) }

type eventReader struct {
	q *queue[protocol.Event]
	c io.Closer
}

func (r eventReader) ReadEvent() (protocol.Event, error) { return r.q.get() }
func (r eventReader) ReadEventTimeout(d time.Duration) (protocol.Event, bool, error) {
	return r.q.getTimeout(d)
}
func (r eventReader) Close() error { return closeBoth(r.q.close, r.c) }

func closeBoth(closeQueue func() error, c io.Closer) error {
	err := closeQueue()
	if c != nil {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Pipe returns a connected host/worker end pair backed by in-memory
// channels. Used in co-located mode, where no worker process is spawned.
func Pipe() (*HostConn, *WorkerConn) {
	reqQ := newQueue[protocol.Request]()
	respQ := newQueue[protocol.Response]()
	evQ := newQueue[protocol.Event]()

	host := &HostConn{
		Requests:  requestWriter{queueSink[protocol.Request]{reqQ}},
		Responses: responseReader{q: respQ},
		Events:    eventReader{q: evQ},
	}
	worker := &WorkerConn{
		Requests:  requestReader{q: reqQ},
		Responses: responseWriter{queueSink[protocol.Response]{respQ}},
		Events:    eventWriter{queueSink[protocol.Event]{evQ}},
	}
	return host, worker
}
