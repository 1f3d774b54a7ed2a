package protocol

// WindowID identifies a window created on the worker.
type WindowID uint32

// HandshakeRequest is the first request on every new worker generation.
type HandshakeRequest struct {
	Version    string `json:"version"`
	Generation uint64 `json:"generation"`
	IsRespawn  bool   `json:"is_respawn"`
}

// HandshakeResponse acknowledges the handshake.
type HandshakeResponse struct {
	Version string `json:"version"`
	Pid     int    `json:"pid"`
}

// CreateWindowRequest carries the initial window configuration.
type CreateWindowRequest struct {
	Title  string `json:"title"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// CreateWindowResponse returns the worker-assigned window ID.
type CreateWindowResponse struct {
	ID WindowID `json:"id"`
}

// CloseWindowRequest closes a window. One-way.
type CloseWindowRequest struct {
	ID WindowID `json:"id"`
}

// SetTitleRequest updates a window title. One-way.
type SetTitleRequest struct {
	ID    WindowID `json:"id"`
	Title string   `json:"title"`
}

// SubmitFrameRequest hands the worker a frame to present. The frame payload
// is opaque to the supervisor. One-way.
type SubmitFrameRequest struct {
	ID    WindowID `json:"id"`
	Seq   uint64   `json:"seq"`
	Frame []byte   `json:"frame,omitempty"`
}

// ScreenshotRequest captures the current contents of a window.
type ScreenshotRequest struct {
	ID WindowID `json:"id"`
}

// ScreenshotResponse carries the captured image bytes.
type ScreenshotResponse struct {
	Data []byte `json:"data"`
}

// GetClipboardResponse returns the worker-side clipboard text.
type GetClipboardResponse struct {
	Text string `json:"text"`
}

// SetClipboardRequest replaces the worker-side clipboard text. One-way.
type SetClipboardRequest struct {
	Text string `json:"text"`
}

// WindowResizedEvent reports a user-driven window resize.
type WindowResizedEvent struct {
	ID     WindowID `json:"id"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
}

// WindowCloseRequestedEvent reports the user asking to close a window.
type WindowCloseRequestedEvent struct {
	ID WindowID `json:"id"`
}

// ClipboardChangedEvent reports an external clipboard change.
type ClipboardChangedEvent struct {
	Text string `json:"text"`
}
