package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
)

// Subject names.
const (
	SubjectUpscale         = "upscaler.rpc.upscale"
	SubjectObserversAdd    = "upscaler.rpc.observers.add"
	SubjectObserversRemove = "upscaler.rpc.observers.remove"
	SubjectPing            = "upscaler.rpc.ping"
	SubjectClientPrefix    = "upscaler.client"
)

// SubjectClientAll is the wildcard a client subscribes to.
func SubjectClientAll(clientID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectClientPrefix, clientID)
}

// SubjectClientReply is where the worker sends the result for correlation corr.
func SubjectClientReply(clientID, corr string) string {
	return fmt.Sprintf("%s.%s.reply.%s", SubjectClientPrefix, clientID, corr)
}

// SubjectClientProgress is where the worker sends progress for the client's observers.
func SubjectClientProgress(clientID string) string {
	return fmt.Sprintf("%s.%s.progress", SubjectClientPrefix, clientID)
}

// ValidToken reports whether s can be used as a single subject token.
func ValidToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// ErrorPayload is the wire form of *upscale.Error.
type ErrorPayload struct {
	Kind       upscale.Kind `json:"kind"`
	Message    string       `json:"message"`
	ExitCode   int          `json:"exit_code,omitempty"`
	Diagnostic string       `json:"diagnostic,omitempty"`
}

// NewErrorPayload converts err for the wire. A nil error yields nil.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var e *upscale.Error
	if !errors.As(err, &e) {
		return &ErrorPayload{Kind: upscale.KindUnknown, Message: err.Error()}
	}
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return &ErrorPayload{Kind: e.Kind, Message: msg, ExitCode: e.ExitCode, Diagnostic: e.Diagnostic}
}

// Err converts the payload back to an *upscale.Error. A nil payload yields nil.
func (p *ErrorPayload) Err() error {
	if p == nil {
		return nil
	}
	return &upscale.Error{Kind: p.Kind, Message: p.Message, ExitCode: p.ExitCode, Diagnostic: p.Diagnostic}
}

// UpscaleMessage is the body of SubjectUpscale.
type UpscaleMessage struct {
	Version       int             `json:"version"`
	CorrelationID string          `json:"correlation_id"`
	ClientID      string          `json:"client_id"`
	Request       upscale.Request `json:"request"`
}

// Marshal serializes the message to JSON.
func (m UpscaleMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ReplyMessage is the result of one upscale request.
type ReplyMessage struct {
	Version       int           `json:"version"`
	CorrelationID string        `json:"correlation_id"`
	JobID         string        `json:"job_id,omitempty"`
	Error         *ErrorPayload `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ReplyMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ObserverMessage is the body of the observer add/remove requests.
type ObserverMessage struct {
	Version    int    `json:"version"`
	ClientID   string `json:"client_id"`
	ObserverID string `json:"observer_id"`
}

// Marshal serializes the message to JSON.
func (m ObserverMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// PingMessage is the body of SubjectPing.
type PingMessage struct {
	Version    int    `json:"version"`
	ObserverID string `json:"observer_id,omitempty"`
}

// Marshal serializes the message to JSON.
func (m PingMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// AckMessage answers observer and ping requests.
type AckMessage struct {
	Version int           `json:"version"`
	Ping    *PingResult   `json:"ping,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// Marshal serializes the message to JSON.
func (m AckMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ProgressMessage carries one progress event to an observer.
type ProgressMessage struct {
	Version    int     `json:"version"`
	ObserverID string  `json:"observer_id"`
	JobID      string  `json:"job_id"`
	Percentage float64 `json:"percentage"`
	RawMessage string  `json:"raw_message"`
	Timestamp  string  `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m ProgressMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// NewProgressMessage builds the wire form of ev for observer.
func NewProgressMessage(observerID string, ev progress.Event) ProgressMessage {
	return ProgressMessage{
		Version:    ProtocolVersion,
		ObserverID: observerID,
		JobID:      ev.JobID,
		Percentage: ev.Percentage,
		RawMessage: ev.RawMessage,
		Timestamp:  ev.Timestamp.Format(time.RFC3339Nano),
	}
}

// Event converts the message back to a progress event.
func (m ProgressMessage) Event() progress.Event {
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	return progress.Event{JobID: m.JobID, Percentage: m.Percentage, RawMessage: m.RawMessage, Timestamp: ts}
}

// UnmarshalUpscale deserializes an UpscaleMessage from JSON.
func UnmarshalUpscale(data []byte) (UpscaleMessage, error) {
	var m UpscaleMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalReply deserializes a ReplyMessage from JSON.
func UnmarshalReply(data []byte) (ReplyMessage, error) {
	var m ReplyMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalObserver deserializes an ObserverMessage from JSON.
func UnmarshalObserver(data []byte) (ObserverMessage, error) {
	var m ObserverMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalPing deserializes a PingMessage from JSON.
func UnmarshalPing(data []byte) (PingMessage, error) {
	var m PingMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalAck deserializes an AckMessage from JSON.
func UnmarshalAck(data []byte) (AckMessage, error) {
	var m AckMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalProgress deserializes a ProgressMessage from JSON.
func UnmarshalProgress(data []byte) (ProgressMessage, error) {
	var m ProgressMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

func versionError(got int) error {
	return upscale.NewError(upscale.KindInvalidRequest, fmt.Sprintf("protocol version %d not supported (want %d)", got, ProtocolVersion), nil)
}
