package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
)

// Endpoint exposes a local Service on the worker's NATS connection.
type Endpoint struct {
	nc     *nats.Conn
	svc    Service
	logger *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	subs []*nats.Subscription
}

// NewEndpoint creates an endpoint serving svc over nc.
func NewEndpoint(nc *nats.Conn, svc Service, logger *slog.Logger) *Endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		nc:     nc,
		svc:    svc,
		logger: logger.With("component", "rpc-endpoint"),
	}
}

// Start subscribes to the request subjects. Jobs started by the endpoint run under ctx.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx = ctx
	handlers := map[string]nats.MsgHandler{
		SubjectUpscale:         e.handleUpscale,
		SubjectObserversAdd:    e.handleAddObserver,
		SubjectObserversRemove: e.handleRemoveObserver,
		SubjectPing:            e.handlePing,
	}
	for subject, handler := range handlers {
		sub, err := e.nc.Subscribe(subject, handler)
		if err != nil {
			e.unsubscribeLocked()
			return err
		}
		e.subs = append(e.subs, sub)
	}
	if err := e.nc.Flush(); err != nil {
		e.unsubscribeLocked()
		return err
	}

	e.logger.Info("RPC endpoint listening", "protocol_version", ProtocolVersion)
	return nil
}

// Stop unsubscribes from all subjects.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribeLocked()
}

func (e *Endpoint) unsubscribeLocked() {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

func (e *Endpoint) jobContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Endpoint) handleUpscale(msg *nats.Msg) {
	m, err := UnmarshalUpscale(msg.Data)
	if err != nil {
		e.logger.Warn("Failed to unmarshal upscale request", "error", err)
		return
	}
	if msg.Reply == "" {
		e.logger.Warn("Dropping upscale request without reply subject", "correlation_id", m.CorrelationID)
		return
	}

	respond := func(r Reply) {
		data, err := ReplyMessage{
			Version:       ProtocolVersion,
			CorrelationID: m.CorrelationID,
			JobID:         r.JobID,
			Error:         NewErrorPayload(r.Err),
		}.Marshal()
		if err != nil {
			e.logger.Error("Failed to marshal reply", "correlation_id", m.CorrelationID, "error", err)
			return
		}
		if err := e.nc.Publish(msg.Reply, data); err != nil {
			e.logger.Warn("Failed to publish reply", "correlation_id", m.CorrelationID, "error", err)
		}
	}

	if m.Version != ProtocolVersion {
		respond(Reply{Err: versionError(m.Version)})
		return
	}

	if err := e.svc.UpscaleImage(e.jobContext(), m.Request, respond); err != nil {
		respond(Reply{Err: err})
	}
}

func (e *Endpoint) handleAddObserver(msg *nats.Msg) {
	m, err := UnmarshalObserver(msg.Data)
	if err != nil {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(upscale.NewError(upscale.KindInvalidRequest, "malformed observer request", err))})
		return
	}
	if m.Version != ProtocolVersion {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(versionError(m.Version))})
		return
	}
	if !ValidToken(m.ClientID) || m.ObserverID == "" {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(upscale.NewError(upscale.KindInvalidRequest, "client and observer id are required", nil))})
		return
	}

	subject := SubjectClientProgress(m.ClientID)
	observerID := m.ObserverID
	deliver := func(ev progress.Event) error {
		data, err := NewProgressMessage(observerID, ev).Marshal()
		if err != nil {
			return err
		}
		return e.nc.Publish(subject, data)
	}

	err = e.svc.AddProgressObserver(e.jobContext(), observerID, deliver)
	e.respondAck(msg, AckMessage{Error: NewErrorPayload(err)})
}

func (e *Endpoint) handleRemoveObserver(msg *nats.Msg) {
	m, err := UnmarshalObserver(msg.Data)
	if err != nil {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(upscale.NewError(upscale.KindInvalidRequest, "malformed observer request", err))})
		return
	}
	if m.Version != ProtocolVersion {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(versionError(m.Version))})
		return
	}

	err = e.svc.RemoveProgressObserver(e.jobContext(), m.ObserverID)
	e.respondAck(msg, AckMessage{Error: NewErrorPayload(err)})
}

func (e *Endpoint) handlePing(msg *nats.Msg) {
	m, err := UnmarshalPing(msg.Data)
	if err != nil {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(upscale.NewError(upscale.KindInvalidRequest, "malformed ping", err))})
		return
	}
	if m.Version != ProtocolVersion {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(versionError(m.Version))})
		return
	}

	result, err := e.svc.Ping(e.jobContext(), m.ObserverID)
	if err != nil {
		e.respondAck(msg, AckMessage{Error: NewErrorPayload(err)})
		return
	}
	e.respondAck(msg, AckMessage{Ping: &result})
}

func (e *Endpoint) respondAck(msg *nats.Msg, ack AckMessage) {
	ack.Version = ProtocolVersion
	data, err := ack.Marshal()
	if err != nil {
		e.logger.Error("Failed to marshal ack", "subject", msg.Subject, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		e.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}
