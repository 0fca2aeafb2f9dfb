package events

// Event type constants for kelindar/event.
const (
	TypeJobStarted uint32 = iota + 1
	TypeJobProgress
	TypeJobFinished
	TypeObserverChanged
	TypeLogEntry
	TypeConfigReloaded
)

// Event is required by kelindar/event.
type Event interface {
	Type() uint32
}

// JobStartedEvent is published when the supervisor launches the upscaler.
type JobStartedEvent struct {
	JobID      string `json:"job_id" example:"01J9Z8X7T6D5K4M3N2P1Q0R9S8" doc:"Job identifier"`
	InputPath  string `json:"input_path" example:"/tmp/in.png" doc:"Source image"`
	OutputPath string `json:"output_path" example:"/tmp/out.png" doc:"Destination image"`
	Scale      int    `json:"scale" example:"2" doc:"Upscale factor"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobStartedEvent.
func (e JobStartedEvent) Type() uint32 { return TypeJobStarted }

// JobProgressEvent carries one parsed progress line.
type JobProgressEvent struct {
	JobID      string  `json:"job_id" doc:"Job identifier"`
	Percentage float64 `json:"percentage" example:"42.5" doc:"Progress in percent"`
	Message    string  `json:"message" example:"42.50%" doc:"Raw progress token"`
	Timestamp  string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobProgressEvent.
func (e JobProgressEvent) Type() uint32 { return TypeJobProgress }

// JobFinishedEvent is published once per job with its outcome.
type JobFinishedEvent struct {
	JobID      string `json:"job_id" doc:"Job identifier"`
	Success    bool   `json:"success" doc:"Whether the output image was produced"`
	ErrorKind  string `json:"error_kind,omitempty" example:"PROCESS_FAILED" doc:"Failure category"`
	Error      string `json:"error,omitempty" doc:"Failure message"`
	ExitCode   int    `json:"exit_code" doc:"Upscaler exit code, -1 if it never ran"`
	DurationMs int64  `json:"duration_ms" doc:"Wall time from launch to reply"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for JobFinishedEvent.
func (e JobFinishedEvent) Type() uint32 { return TypeJobFinished }

// ObserverChangedEvent is published when a progress observer is added or removed.
type ObserverChangedEvent struct {
	ObserverID string `json:"observer_id" doc:"Observer identifier"`
	Registered bool   `json:"registered" doc:"True on add, false on remove"`
	Count      int    `json:"count" doc:"Observers registered after the change"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ObserverChangedEvent.
func (e ObserverChangedEvent) Type() uint32 { return TypeObserverChanged }

// LogEntryEvent is a log record streamed to SSE clients.
type LogEntryEvent struct {
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// ConfigReloadedEvent is published after the watched config file was applied.
type ConfigReloadedEvent struct {
	Path      string `json:"path" doc:"Config file path"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
