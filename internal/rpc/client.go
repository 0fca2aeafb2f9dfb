package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/upscale"
)

// Client defaults.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultRequestTimeout = 2 * time.Second
	// DefaultPendingTTL bounds how long a correlation waits for its reply.
	DefaultPendingTTL = 10 * time.Minute
)

// ErrConnClosed is returned by a Conn that has been closed.
var ErrConnClosed = errors.New("rpc: connection closed")

// NATSDialer dials the worker's NATS server.
type NATSDialer struct {
	URL            string
	ClientID       string // subject token identifying this client, typically the session id
	Name           string
	Token          string // matches ServerOptions.Token
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PendingTTL     time.Duration
	Logger         *slog.Logger
}

// Dial connects without automatic reconnection and subscribes to the client subjects.
func (d *NATSDialer) Dial(h Handlers) (Conn, error) {
	if !ValidToken(d.ClientID) {
		return nil, fmt.Errorf("invalid client id %q", d.ClientID)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &natsConn{
		clientID:       d.ClientID,
		requestTimeout: d.RequestTimeout,
		observers:      make(map[string]progress.Callback),
		logger:         logger.With("component", "rpc-client", "client_id", d.ClientID),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}

	ttl := d.PendingTTL
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	c.pending = ttlcache.New[string, ReplyFunc](
		ttlcache.WithTTL[string, ReplyFunc](ttl),
		ttlcache.WithDisableTouchOnHit[string, ReplyFunc](),
	)
	c.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, ReplyFunc]) {
		if reason == ttlcache.EvictionReasonExpired {
			c.logger.Debug("Reply correlation expired", "correlation_id", item.Key())
		}
	})

	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	name := d.Name
	if name == "" {
		name = "upscaler-client-" + d.ClientID
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.NoReconnect(),
		nats.Timeout(connectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if c.closing.Load() {
				return
			}
			c.logger.Warn("Connection interrupted", "error", err)
			if h.OnInterrupted != nil {
				h.OnInterrupted(err)
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.dropPending("connection lost")
			if c.closing.Load() {
				return
			}
			c.logger.Warn("Connection invalidated")
			if h.OnInvalidated != nil {
				h.OnInvalidated()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("Async NATS error", "subject", subject, "error", err)
		}),
	}
	if d.Token != "" {
		opts = append(opts, nats.Token(d.Token))
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", d.URL, err)
	}
	c.nc = nc

	sub, err := nc.Subscribe(SubjectClientAll(d.ClientID), c.dispatch)
	if err != nil {
		c.closing.Store(true)
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	if err := nc.Flush(); err != nil {
		c.closing.Store(true)
		nc.Close()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}

	go c.pending.Start()
	c.logger.Info("Connected to worker", "url", nc.ConnectedUrl())
	return c, nil
}

// natsConn implements Conn and Service over one NATS connection.
type natsConn struct {
	nc             *nats.Conn
	sub            *nats.Subscription
	clientID       string
	requestTimeout time.Duration
	pending        *ttlcache.Cache[string, ReplyFunc]
	closing        atomic.Bool
	closeOnce      sync.Once
	logger         *slog.Logger

	observersMu sync.RWMutex
	observers   map[string]progress.Callback
}

// Remote implements Conn.
func (c *natsConn) Remote() (Service, error) {
	if c.closing.Load() || c.nc.IsClosed() {
		return nil, ErrConnClosed
	}
	return c, nil
}

// Close implements Conn.
func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		c.nc.Close()
		c.dropPending("connection closed")
		c.pending.Stop()
	})
	return nil
}

// dropPending forgets every outstanding reply without calling it. The caller's own
// request timer decides how those requests end.
func (c *natsConn) dropPending(reason string) {
	if n := c.pending.Len(); n > 0 {
		c.logger.Warn("Dropping pending replies", "count", n, "reason", reason)
	}
	c.pending.DeleteAll()
}

// dispatch routes messages from the client wildcard subscription. It runs on a single
// goroutine, so messages are handled in arrival order.
func (c *natsConn) dispatch(msg *nats.Msg) {
	rest := strings.TrimPrefix(msg.Subject, SubjectClientPrefix+"."+c.clientID+".")
	switch {
	case rest == "progress":
		c.handleProgress(msg.Data)
	case strings.HasPrefix(rest, "reply."):
		c.handleReply(msg.Data)
	default:
		c.logger.Debug("Ignoring message", "subject", msg.Subject)
	}
}

func (c *natsConn) handleReply(data []byte) {
	m, err := UnmarshalReply(data)
	if err != nil {
		c.logger.Warn("Failed to unmarshal reply", "error", err)
		return
	}

	item, ok := c.pending.GetAndDelete(m.CorrelationID)
	if !ok {
		c.logger.Debug("Discarding reply for unknown correlation", "correlation_id", m.CorrelationID, "job_id", m.JobID)
		return
	}
	item.Value()(Reply{JobID: m.JobID, Err: m.Error.Err()})
}

func (c *natsConn) handleProgress(data []byte) {
	m, err := UnmarshalProgress(data)
	if err != nil {
		c.logger.Warn("Failed to unmarshal progress", "error", err)
		return
	}

	c.observersMu.RLock()
	cb := c.observers[m.ObserverID]
	c.observersMu.RUnlock()
	if cb == nil {
		return
	}
	if err := cb(m.Event()); err != nil {
		c.logger.Debug("Progress callback failed", "observer_id", m.ObserverID, "error", err)
	}
}

// UpscaleImage implements Service.
func (c *natsConn) UpscaleImage(_ context.Context, req upscale.Request, reply ReplyFunc) error {
	if c.closing.Load() {
		return ErrConnClosed
	}

	corr := ulid.Make().String()
	data, err := UpscaleMessage{
		Version:       ProtocolVersion,
		CorrelationID: corr,
		ClientID:      c.clientID,
		Request:       req,
	}.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	if reply != nil {
		c.pending.Set(corr, reply, ttlcache.DefaultTTL)
	}
	if err := c.nc.PublishRequest(SubjectUpscale, SubjectClientReply(c.clientID, corr), data); err != nil {
		c.pending.Delete(corr)
		return fmt.Errorf("failed to publish request: %w", err)
	}
	c.logger.Debug("Upscale request sent", "correlation_id", corr, "scale", req.Scale)
	return nil
}

// AddProgressObserver implements Service. The callback is installed locally before the
// worker is asked, so no early event is missed.
func (c *natsConn) AddProgressObserver(ctx context.Context, id string, cb progress.Callback) error {
	c.observersMu.Lock()
	c.observers[id] = cb
	c.observersMu.Unlock()

	_, err := c.request(ctx, SubjectObserversAdd, ObserverMessage{Version: ProtocolVersion, ClientID: c.clientID, ObserverID: id})
	if err != nil {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
	return err
}

// RemoveProgressObserver implements Service.
func (c *natsConn) RemoveProgressObserver(ctx context.Context, id string) error {
	c.observersMu.Lock()
	delete(c.observers, id)
	c.observersMu.Unlock()

	_, err := c.request(ctx, SubjectObserversRemove, ObserverMessage{Version: ProtocolVersion, ClientID: c.clientID, ObserverID: id})
	return err
}

// Ping implements Service.
func (c *natsConn) Ping(ctx context.Context, id string) (PingResult, error) {
	ack, err := c.request(ctx, SubjectPing, PingMessage{Version: ProtocolVersion, ObserverID: id})
	if err != nil {
		return PingResult{}, err
	}
	if ack.Ping == nil {
		return PingResult{}, errors.New("ping reply without result")
	}
	return *ack.Ping, nil
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (c *natsConn) request(ctx context.Context, subject string, body marshaler) (AckMessage, error) {
	if c.closing.Load() {
		return AckMessage{}, ErrConnClosed
	}

	data, err := body.Marshal()
	if err != nil {
		return AckMessage{}, fmt.Errorf("failed to marshal %s: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return AckMessage{}, fmt.Errorf("%s request failed: %w", subject, err)
	}

	ack, err := UnmarshalAck(msg.Data)
	if err != nil {
		return AckMessage{}, fmt.Errorf("failed to unmarshal %s reply: %w", subject, err)
	}
	if ack.Error != nil {
		return ack, ack.Error.Err()
	}
	return ack, nil
}
