package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/glasspane/viewhost/internal/protocol"
)

// The typed RPC facade. Every method is driven by the shared protocol
// table: request/response methods block for exactly one matching response,
// one-way commands return as soon as the request is on the wire.

// CreateWindow opens a window on the worker and returns its ID.
func (c *Controller) CreateWindow(title string, width, height int) (protocol.WindowID, error) {
	var resp protocol.CreateWindowResponse
	err := c.talk(protocol.MethodCreateWindow, protocol.CreateWindowRequest{
		Title:  title,
		Width:  width,
		Height: height,
	}, &resp)
	return resp.ID, err
}

// CloseWindow closes a window. Fire-and-forget.
func (c *Controller) CloseWindow(id protocol.WindowID) error {
	return c.command(protocol.MethodCloseWindow, protocol.CloseWindowRequest{ID: id})
}

// SetTitle updates a window title. Fire-and-forget.
func (c *Controller) SetTitle(id protocol.WindowID, title string) error {
	return c.command(protocol.MethodSetTitle, protocol.SetTitleRequest{ID: id, Title: title})
}

// SubmitFrame hands the worker a frame to present. Fire-and-forget.
func (c *Controller) SubmitFrame(id protocol.WindowID, seq uint64, frame []byte) error {
	return c.command(protocol.MethodSubmitFrame, protocol.SubmitFrameRequest{ID: id, Seq: seq, Frame: frame})
}

// Screenshot captures the current contents of a window.
func (c *Controller) Screenshot(id protocol.WindowID) ([]byte, error) {
	var resp protocol.ScreenshotResponse
	err := c.talk(protocol.MethodScreenshot, protocol.ScreenshotRequest{ID: id}, &resp)
	return resp.Data, err
}

// GetClipboard reads the worker-side clipboard.
func (c *Controller) GetClipboard() (string, error) {
	var resp protocol.GetClipboardResponse
	err := c.talk(protocol.MethodGetClipboard, nil, &resp)
	return resp.Text, err
}

// SetClipboard replaces the worker-side clipboard. Fire-and-forget.
func (c *Controller) SetClipboard(text string) error {
	return c.command(protocol.MethodSetClipboard, protocol.SetClipboardRequest{Text: text})
}

// Quit asks the worker to exit. Fire-and-forget.
func (c *Controller) Quit() error {
	return c.command(protocol.MethodQuit, nil)
}

// command sends a one-way request.
func (c *Controller) command(m protocol.Method, args any) error {
	return c.talk(m, args, nil)
}

// talk performs one RPC exchange. The connection guard runs before any
// channel I/O; a channel failure on either direction converts into a crash
// respawn and surfaces as ErrDisconnected. The response channel is strictly
// one-in-one-out, so an answer tagged with a different method can only mean
// the two sides have desynchronized, and continuing would misroute every
// later response.
func (c *Controller) talk(m protocol.Method, args any, reply any) error {
	spec, known := protocol.Methods[m]
	if !known {
		panic(fmt.Sprintf("supervisor: method %q not in protocol table", m))
	}
	if spec.RequiresConn && c.state != StateConnected {
		return ErrDisconnected
	}

	var payload json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("supervisor: encoding %s request: %w", m, err)
		}
		payload = b
	}

	c.opts.Metrics.RPCCall(string(m))
	if err := c.conn.Requests.WriteRequest(protocol.Request{Method: m, Payload: payload}); err != nil {
		c.opts.Metrics.RPCFailure(string(m))
		c.handleDisconnect(c.generation)
		return ErrDisconnected
	}
	if !spec.Response {
		return nil
	}

	resp, err := c.conn.Responses.ReadResponse()
	if err != nil {
		c.opts.Metrics.RPCFailure(string(m))
		c.handleDisconnect(c.generation)
		return ErrDisconnected
	}
	if resp.Method != m {
		panic(fmt.Sprintf("supervisor: protocol desync: request %q answered with %q", m, resp.Method))
	}
	if resp.Err != "" {
		return &RemoteError{Method: m, Msg: resp.Err}
	}
	if reply != nil && len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, reply); err != nil {
			return fmt.Errorf("supervisor: decoding %s response: %w", m, err)
		}
	}
	return nil
}
