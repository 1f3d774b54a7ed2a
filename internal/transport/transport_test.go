package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/glasspane/viewhost/internal/protocol"
)

func TestPipeRoundTrip(t *testing.T) {
	host, worker := Pipe()

	if err := host.Requests.WriteRequest(protocol.Request{Method: protocol.MethodSetTitle}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	req, err := worker.Requests.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Method != protocol.MethodSetTitle {
		t.Errorf("got method %q, want %q", req.Method, protocol.MethodSetTitle)
	}

	if err := worker.Responses.WriteResponse(protocol.Response{Method: protocol.MethodScreenshot}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	resp, err := host.Responses.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Method != protocol.MethodScreenshot {
		t.Errorf("got method %q, want %q", resp.Method, protocol.MethodScreenshot)
	}

	if err := worker.Events.WriteEvent(protocol.Event{Kind: protocol.EventInited, Generation: 1}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	ev, err := host.Events.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Kind != protocol.EventInited || ev.Generation != 1 {
		t.Errorf("got event %+v", ev)
	}
}

func TestPipeOrderPreserved(t *testing.T) {
	host, worker := Pipe()

	for i := 0; i < 10; i++ {
		ev := protocol.Event{Kind: protocol.EventWindowResized, Generation: uint64(i)}
		if err := worker.Events.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		ev, err := host.Events.ReadEvent()
		if err != nil {
			t.Fatalf("ReadEvent %d: %v", i, err)
		}
		if ev.Generation != uint64(i) {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func TestPipeDisconnect(t *testing.T) {
	host, worker := Pipe()

	// A response sent before the close must still be delivered.
	if err := worker.Responses.WriteResponse(protocol.Response{Method: protocol.MethodHandshake}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	worker.Close()

	if _, err := host.Responses.ReadResponse(); err != nil {
		t.Fatalf("buffered response lost: %v", err)
	}
	if _, err := host.Responses.ReadResponse(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
	if _, err := host.Events.ReadEvent(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
	if err := host.Requests.WriteRequest(protocol.Request{Method: protocol.MethodQuit}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
}

func TestPipeEventTimeout(t *testing.T) {
	host, _ := Pipe()

	start := time.Now()
	_, ok, err := host.Events.ReadEventTimeout(50 * time.Millisecond)
	if err != nil {
		t.Fatalf("ReadEventTimeout: %v", err)
	}
	if ok {
		t.Error("expected timeout, got event")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestSocketRoundTrip(t *testing.T) {
	ln, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	workerCh := make(chan *WorkerConn, 1)
	dialErr := make(chan error, 1)
	go func() {
		wc, err := Dial(ln.Endpoint())
		if err != nil {
			dialErr <- err
			return
		}
		workerCh <- wc
	}()

	host, err := ln.Accept(2 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	var worker *WorkerConn
	select {
	case worker = <-workerCh:
	case err := <-dialErr:
		t.Fatalf("Dial: %v", err)
	}
	defer host.Close()
	defer worker.Close()

	if err := host.Requests.WriteRequest(protocol.Request{Method: protocol.MethodCreateWindow}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	req, err := worker.Requests.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Method != protocol.MethodCreateWindow {
		t.Errorf("got method %q", req.Method)
	}

	if err := worker.Responses.WriteResponse(protocol.Response{Method: protocol.MethodCreateWindow}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	if _, err := host.Responses.ReadResponse(); err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}

	if err := worker.Events.WriteEvent(protocol.Event{Kind: protocol.EventInited, Generation: 1}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	ev, err := host.Events.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Kind != protocol.EventInited {
		t.Errorf("got event %+v", ev)
	}
}

func TestSocketPeerGone(t *testing.T) {
	ln, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		wc, err := Dial(ln.Endpoint())
		if err != nil {
			return
		}
		wc.Close()
	}()

	host, err := ln.Accept(2 * time.Second)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer host.Close()

	if _, err := host.Events.ReadEvent(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
	if _, err := host.Responses.ReadResponse(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("got %v, want ErrDisconnected", err)
	}
}

func TestAcceptTimeout(t *testing.T) {
	ln, err := Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	start := time.Now()
	if _, err := ln.Accept(100 * time.Millisecond); err == nil {
		t.Fatal("expected accept timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("accept timeout took too long: %v", elapsed)
	}
}
