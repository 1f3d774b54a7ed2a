package events

// Event type constants for kelindar/event.
const (
	TypeWorkerEvent uint32 = iota + 1
	TypeStateChanged
	TypeRespawn
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerEvent is an application-level event forwarded from the view
// worker: window resizes, close requests, clipboard changes.
type WorkerEvent struct {
	Kind       string `json:"kind" example:"window_resized" doc:"Worker event kind"`
	Generation uint64 `json:"generation" example:"1" doc:"Worker generation that emitted the event"`
	Payload    string `json:"payload,omitempty" doc:"Kind-specific JSON payload"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WorkerEvent.
func (e WorkerEvent) Type() uint32 { return TypeWorkerEvent }

// StateChangedEvent marks a transition of the supervisor's connection
// state machine.
type StateChangedEvent struct {
	State      string `json:"state" example:"connected" doc:"New connection state"`
	Generation uint64 `json:"generation" example:"2" doc:"Current worker generation"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Transition timestamp"`
}

// Type returns the event type identifier for StateChangedEvent.
func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// RespawnEvent is published when a worker generation is replaced.
type RespawnEvent struct {
	Generation uint64 `json:"generation" example:"3" doc:"Generation of the new worker"`
	Reason     string `json:"reason" example:"crash" doc:"Reason: crash or explicit"`
	Pid        int    `json:"pid,omitempty" example:"4242" doc:"PID of the new worker process"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Respawn timestamp"`
}

// Type returns the event type identifier for RespawnEvent.
func (e RespawnEvent) Type() uint32 { return TypeRespawn }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
