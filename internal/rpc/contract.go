package rpc

import (
	"context"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
)

// ProtocolVersion is carried in every message. The worker rejects other versions.
const ProtocolVersion = 1

// Reply is the terminal result of one UpscaleImage call.
type Reply struct {
	JobID string
	Err   error // nil on success, an *upscale.Error otherwise
}

// ReplyFunc receives the Reply. It is called at most once per UpscaleImage call.
type ReplyFunc func(Reply)

// PingResult describes the worker as seen by one observer.
type PingResult struct {
	WorkerID   string `json:"worker_id"`
	Registered bool   `json:"registered"` // whether the pinged observer is still registered
	ActiveJobs int    `json:"active_jobs"`
	Observers  int    `json:"observers"`
}

// Service is the worker's remote interface.
type Service interface {
	// UpscaleImage submits req. The returned error only reports a failure to send;
	// the outcome arrives through reply.
	UpscaleImage(ctx context.Context, req upscale.Request, reply ReplyFunc) error
	// AddProgressObserver registers cb under id, replacing any previous callback.
	AddProgressObserver(ctx context.Context, id string, cb progress.Callback) error
	// RemoveProgressObserver removes id. Removing an unknown id is not an error.
	RemoveProgressObserver(ctx context.Context, id string) error
	// Ping checks liveness and refreshes the lease of observer id.
	Ping(ctx context.Context, id string) (PingResult, error)
}

// Handlers receive connection lifecycle signals. Both may be called from any goroutine.
type Handlers struct {
	// OnInterrupted is called when the connection drops.
	OnInterrupted func(err error)
	// OnInvalidated is called when the connection is permanently unusable.
	OnInvalidated func()
}

// Conn is one established connection to the worker.
type Conn interface {
	// Remote returns the worker's Service proxy.
	Remote() (Service, error)
	// Close tears the connection down. Pending replies fail with TransportUnavailable.
	// Handlers are not called for a deliberate Close.
	Close() error
}

// Dialer establishes connections.
type Dialer interface {
	Dial(h Handlers) (Conn, error)
}
