// Package worker implements the view side of the protocol: the dispatch
// loop a worker process (or co-located worker goroutine) runs against its
// transport ends. Rendering is simulated (windows are bookkeeping entries
// and screenshots are synthetic) but the contract is the real one:
// handshake first, version refusal via the sentinel exit code, one response
// per response-bearing request, events pushed unsolicited.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/glasspane/viewhost/internal/launcher"
	"github.com/glasspane/viewhost/internal/protocol"
	"github.com/glasspane/viewhost/internal/transport"
)

// ErrVersionMismatch is returned by Serve when the host speaks a different
// protocol version. An out-of-process worker must then exit with
// protocol.ExitCodeVersionMismatch.
var ErrVersionMismatch = errors.New("worker: protocol version mismatch")

// Options configures a worker.
type Options struct {
	Headless bool
	Logger   *slog.Logger
}

type window struct {
	title  string
	width  int
	height int
	frames uint64
}

// Worker is the state of one serving worker.
type Worker struct {
	opts       Options
	logger     *slog.Logger
	conn       *transport.WorkerConn
	windows    map[protocol.WindowID]*window
	nextID     protocol.WindowID
	clipboard  string
	generation uint64
}

// Serve runs the dispatch loop until the host asks it to quit or the
// channels fail. A version mismatch during the handshake is answered on
// the wire and then reported as ErrVersionMismatch.
func Serve(conn *transport.WorkerConn, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		opts:    opts,
		logger:  logger,
		conn:    conn,
		windows: make(map[protocol.WindowID]*window),
		nextID:  1,
	}
	return w.serve()
}

// Factory adapts Serve for co-located mode.
func Factory(opts Options) launcher.WorkerFactory {
	return func(conn *transport.WorkerConn) {
		defer conn.Close()
		if err := Serve(conn, opts); err != nil {
			if opts.Logger != nil {
				opts.Logger.Error("Co-located worker stopped", "error", err)
			}
		}
	}
}

func (w *Worker) serve() error {
	for {
		req, err := w.conn.Requests.ReadRequest()
		if err != nil {
			// Host gone; nothing left to serve.
			return nil
		}

		done, err := w.dispatch(req)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// dispatch handles one request. done is true when the host asked us to
// quit.
func (w *Worker) dispatch(req protocol.Request) (done bool, err error) {
	switch req.Method {
	case protocol.MethodHandshake:
		return false, w.handshake(req)

	case protocol.MethodCreateWindow:
		var r protocol.CreateWindowRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return false, w.replyErr(req.Method, err)
		}
		id := w.nextID
		w.nextID++
		w.windows[id] = &window{title: r.Title, width: r.Width, height: r.Height}
		w.logger.Debug("Window created", "id", id, "title", r.Title)
		return false, w.reply(req.Method, protocol.CreateWindowResponse{ID: id})

	case protocol.MethodCloseWindow:
		var r protocol.CloseWindowRequest
		if err := json.Unmarshal(req.Payload, &r); err == nil {
			delete(w.windows, r.ID)
		}
		return false, nil

	case protocol.MethodSetTitle:
		var r protocol.SetTitleRequest
		if err := json.Unmarshal(req.Payload, &r); err == nil {
			if win, ok := w.windows[r.ID]; ok {
				win.title = r.Title
			}
		}
		return false, nil

	case protocol.MethodSubmitFrame:
		var r protocol.SubmitFrameRequest
		if err := json.Unmarshal(req.Payload, &r); err == nil {
			if win, ok := w.windows[r.ID]; ok {
				win.frames++
			}
		}
		return false, nil

	case protocol.MethodScreenshot:
		var r protocol.ScreenshotRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return false, w.replyErr(req.Method, err)
		}
		win, ok := w.windows[r.ID]
		if !ok {
			return false, w.replyErr(req.Method, fmt.Errorf("no window %d", r.ID))
		}
		data := fmt.Appendf(nil, "VHIMG %dx%d %q frame=%d", win.width, win.height, win.title, win.frames)
		return false, w.reply(req.Method, protocol.ScreenshotResponse{Data: data})

	case protocol.MethodGetClipboard:
		return false, w.reply(req.Method, protocol.GetClipboardResponse{Text: w.clipboard})

	case protocol.MethodSetClipboard:
		var r protocol.SetClipboardRequest
		if err := json.Unmarshal(req.Payload, &r); err == nil {
			w.clipboard = r.Text
			// The platform clipboard notification, simulated.
			w.emit(protocol.EventClipboardChanged, protocol.ClipboardChangedEvent{Text: r.Text})
		}
		return false, nil

	case protocol.MethodQuit:
		w.logger.Info("Quit requested")
		return true, nil

	default:
		if spec, ok := protocol.Methods[req.Method]; ok && spec.Response {
			return false, w.replyErr(req.Method, fmt.Errorf("unhandled method %q", req.Method))
		}
		w.logger.Warn("Ignoring unknown request", "method", req.Method)
		return false, nil
	}
}

func (w *Worker) handshake(req protocol.Request) error {
	var hr protocol.HandshakeRequest
	if err := json.Unmarshal(req.Payload, &hr); err != nil {
		return w.replyErr(req.Method, err)
	}
	if hr.Version != protocol.Version {
		_ = w.replyErr(req.Method, fmt.Errorf("host speaks protocol %q, worker speaks %q", hr.Version, protocol.Version))
		return ErrVersionMismatch
	}

	w.generation = hr.Generation
	w.logger.Info("Handshake complete", "generation", hr.Generation, "is_respawn", hr.IsRespawn, "headless", w.opts.Headless)
	if err := w.reply(req.Method, protocol.HandshakeResponse{Version: protocol.Version, Pid: os.Getpid()}); err != nil {
		return err
	}

	ev := protocol.Event{Kind: protocol.EventInited, Generation: hr.Generation}
	return w.conn.Events.WriteEvent(ev)
}

func (w *Worker) reply(m protocol.Method, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return w.replyErr(m, err)
	}
	return w.conn.Responses.WriteResponse(protocol.Response{Method: m, Payload: payload})
}

func (w *Worker) replyErr(m protocol.Method, cause error) error {
	return w.conn.Responses.WriteResponse(protocol.Response{Method: m, Err: cause.Error()})
}

func (w *Worker) emit(kind protocol.EventKind, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	if err := w.conn.Events.WriteEvent(protocol.Event{Kind: kind, Payload: payload}); err != nil {
		w.logger.Debug("Dropping event, host gone", "kind", kind)
	}
}
