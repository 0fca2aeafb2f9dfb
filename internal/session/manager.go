// Package session keeps a client connected to the worker and submits upscale requests over it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/upscaler/internal/metrics"
	"github.com/smazurov/upscaler/internal/progress"
	"github.com/smazurov/upscaler/internal/rpc"
	"github.com/smazurov/upscaler/internal/upscale"
)

// Defaults for Config.
const (
	DefaultReconnectBackoff = time.Second
	DefaultRequestTimeout   = 180 * time.Second
	MinRequestTimeout       = 30 * time.Second
	DefaultHealthInterval   = 5 * time.Second

	observerCallTimeout = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	// ID names this session on the worker. It is also the progress observer id.
	ID string
	// ReconnectBackoff is the fixed delay before a reconnect after an interruption.
	ReconnectBackoff time.Duration
	// RequestTimeout bounds each Submit. Values below MinRequestTimeout are raised to it.
	// A context deadline passed to Submit may still end it sooner.
	RequestTimeout time.Duration
	// HealthInterval is the Ping period. Negative disables health polling.
	HealthInterval time.Duration

	minRequestTimeout time.Duration // replaces MinRequestTimeout when set
}

func (c Config) withDefaults() Config {
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	floor := c.minRequestTimeout
	if floor <= 0 {
		floor = MinRequestTimeout
	}
	if c.RequestTimeout < floor {
		c.RequestTimeout = floor
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	return c
}

// Manager owns the client's connection to the worker.
//
// Every connection is tagged with a generation. Signals carrying an older generation come
// from a torn-down connection and are ignored. At most one dial runs at a time and at most
// one reconnect timer is armed.
type Manager struct {
	cfg    Config
	dialer rpc.Dialer
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	stateCh        chan struct{}
	conn           rpc.Conn
	remote         rpc.Service
	generation     uint64
	connecting     bool
	reconnectTimer *time.Timer
	reconnectSeq   uint64
	progressCb     func(progress.Event)
	pending        map[uint64]*pendingCall
	nextCall       uint64
	closed         bool

	healthStop chan struct{}
	wg         sync.WaitGroup
}

// New creates a Manager in StateDisconnected and starts health polling.
// Call EnsureConnected to connect.
func New(cfg Config, dialer rpc.Dialer, logger *slog.Logger) (*Manager, error) {
	if cfg.ID == "" {
		return nil, errors.New("session id is required")
	}
	if !rpc.ValidToken(cfg.ID) {
		return nil, errors.New("session id must not contain '.', '*', '>' or whitespace")
	}
	if dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		logger:     logger.With("session_id", cfg.ID),
		state:      StateDisconnected,
		stateCh:    make(chan struct{}),
		pending:    make(map[uint64]*pendingCall),
		healthStop: make(chan struct{}),
	}
	metrics.SetSessionState(string(m.state), stateNames())

	if m.cfg.HealthInterval > 0 {
		m.wg.Add(1)
		go m.healthLoop()
	}
	return m, nil
}

// ID returns the session id.
func (m *Manager) ID() string {
	return m.cfg.ID
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitForState blocks until the manager reaches state or ctx ends.
// Short-lived states such as StateInterrupted may be passed through without being observed.
func (m *Manager) WaitForState(ctx context.Context, state State) error {
	for {
		m.mu.Lock()
		if m.state == state {
			m.mu.Unlock()
			return nil
		}
		ch := m.stateCh
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// EnsureConnected dials the worker unless a connection is up or a dial is in flight.
// It tears down any previous connection first.
func (m *Manager) EnsureConnected() {
	m.mu.Lock()
	if m.closed || m.connecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.stopReconnectTimerLocked()
	old := m.conn
	m.conn = nil
	m.remote = nil
	m.generation++
	gen := m.generation
	if gen > 1 {
		metrics.SessionReconnect()
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Debug("Closing previous connection failed", "error", err)
		}
	}

	conn, err := m.dialer.Dial(rpc.Handlers{
		OnInterrupted: func(err error) { m.handleSignal(gen, "interrupted", err) },
		OnInvalidated: func() { m.handleSignal(gen, "invalidated", nil) },
	})

	m.mu.Lock()
	if err != nil {
		m.logger.Warn("Connecting to worker failed", "error", err, "retry_in", m.cfg.ReconnectBackoff)
		if m.closed || gen != m.generation {
			m.mu.Unlock()
			return
		}
		metrics.SessionSignal("dial_failed")
		m.interruptLocked()
		m.mu.Unlock()
		return
	}

	if m.closed || gen != m.generation {
		// A signal or Close superseded this dial while it was in flight.
		m.mu.Unlock()
		_ = conn.Close()
		return
	}

	m.conn = conn
	m.connecting = false
	remote, err := conn.Remote()
	if err != nil || remote == nil {
		m.logger.Error("Worker connection has no remote handle", "error", err)
		m.mu.Unlock()
		return
	}
	m.remote = remote
	m.setStateLocked(StateConnected)
	registerObserver := m.progressCb != nil
	m.mu.Unlock()

	m.logger.Info("Connected to worker")
	if registerObserver {
		m.addObserver(remote)
	}
}

// handleSignal reacts to an interruption or invalidation of connection generation gen.
func (m *Manager) handleSignal(gen uint64, signal string, err error) {
	m.mu.Lock()
	if m.closed || gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug("Ignoring signal from stale connection", "signal", signal)
		return
	}
	metrics.SessionSignal(signal)
	old := m.conn
	m.conn = nil
	m.remote = nil
	m.interruptLocked()
	m.mu.Unlock()

	m.logger.Warn("Worker connection lost", "signal", signal, "error", err, "retry_in", m.cfg.ReconnectBackoff)
	if old != nil {
		go func() { _ = old.Close() }()
	}
}

// interruptLocked retires the current generation and arms the reconnect timer.
func (m *Manager) interruptLocked() {
	m.generation++
	m.connecting = false
	m.setStateLocked(StateInterrupted)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		return
	}
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectBackoff, func() {
		m.mu.Lock()
		if m.closed || seq != m.reconnectSeq {
			m.mu.Unlock()
			return
		}
		m.reconnectTimer = nil
		m.mu.Unlock()
		m.EnsureConnected()
	})
	m.setStateLocked(StateReconnectPending)
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer == nil {
		return
	}
	m.reconnectTimer.Stop()
	m.reconnectTimer = nil
	m.reconnectSeq++
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.logger.Debug("Session state changed", "from", m.state, "to", state)
	m.state = state
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	metrics.SetSessionState(string(state), stateNames())
}

// Submit sends req to the worker and waits for its outcome. The first of reply, timeout
// and ctx ending resolves the call; anything later is dropped. On success the output file
// is checked again from the client side.
func (m *Manager) Submit(ctx context.Context, req upscale.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return upscale.NewError(upscale.KindTransportUnavailable, "session closed", nil)
	}
	if m.state != StateConnected || m.remote == nil {
		state := m.state
		m.mu.Unlock()
		return upscale.NewError(upscale.KindTransportUnavailable, "not connected to worker (state "+string(state)+")", nil)
	}
	remote := m.remote
	call := newPendingCall()
	id := m.nextCall
	m.nextCall++
	m.pending[id] = call
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending != nil {
			delete(m.pending, id)
		}
		m.mu.Unlock()
	}()

	logger := m.logger.With("input", req.InputPath, "output", req.OutputPath, "scale", req.Scale)
	timer := time.AfterFunc(m.cfg.RequestTimeout, func() {
		if call.resolve(upscale.NewError(upscale.KindTimeout, "no reply within "+m.cfg.RequestTimeout.String(), nil)) {
			metrics.RequestTimeout()
		}
	})
	defer timer.Stop()

	err := remote.UpscaleImage(ctx, req, func(r rpc.Reply) {
		if !call.resolve(r.Err) {
			metrics.LateReply()
			logger.Warn("Dropping late reply", "job_id", r.JobID, "error", r.Err)
			return
		}
		if r.JobID != "" {
			logger.Debug("Reply received", "job_id", r.JobID)
		}
	})
	if err != nil {
		call.resolve(upscale.NewError(upscale.KindTransportUnavailable, "sending request failed", err))
	}

	select {
	case err = <-call.done:
	case <-ctx.Done():
		if call.resolve(contextError(ctx.Err())) {
			metrics.RequestTimeout()
		}
		err = <-call.done
	}
	if err != nil {
		return err
	}
	return upscale.VerifyOutput(req.OutputPath)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return upscale.NewError(upscale.KindTimeout, "request deadline exceeded", err)
	}
	return upscale.NewError(upscale.KindTimeout, "request abandoned", err)
}

// SetProgressCallback sets the function receiving progress events for this session.
// When connected the observer is registered right away; otherwise on the next connect.
func (m *Manager) SetProgressCallback(cb func(progress.Event)) error {
	m.mu.Lock()
	m.progressCb = cb
	remote := m.connectedRemoteLocked()
	m.mu.Unlock()

	if cb == nil {
		return m.removeObserver(remote)
	}
	if remote == nil {
		return nil
	}
	return m.addObserver(remote)
}

// ClearProgressCallback detaches the progress callback and unregisters the observer.
func (m *Manager) ClearProgressCallback() {
	_ = m.SetProgressCallback(nil)
}

func (m *Manager) connectedRemoteLocked() rpc.Service {
	if m.state != StateConnected {
		return nil
	}
	return m.remote
}

func (m *Manager) addObserver(remote rpc.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), observerCallTimeout)
	defer cancel()
	if err := remote.AddProgressObserver(ctx, m.cfg.ID, m.deliverProgress); err != nil {
		m.logger.Warn("Registering progress observer failed", "error", err)
		return err
	}
	m.logger.Debug("Progress observer registered")
	return nil
}

func (m *Manager) removeObserver(remote rpc.Service) error {
	if remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerCallTimeout)
	defer cancel()
	if err := remote.RemoveProgressObserver(ctx, m.cfg.ID); err != nil {
		m.logger.Warn("Removing progress observer failed", "error", err)
		return err
	}
	return nil
}

// deliverProgress is the callback registered with the worker. It reads the current
// callback at delivery time so a cleared callback stops receiving events immediately.
func (m *Manager) deliverProgress(ev progress.Event) error {
	m.mu.Lock()
	cb := m.progressCb
	m.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
	return nil
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.healthStop:
			return
		case <-ticker.C:
			m.ping()
		}
	}
}

func (m *Manager) ping() {
	m.mu.Lock()
	remote := m.connectedRemoteLocked()
	gen := m.generation
	wantObserver := m.progressCb != nil
	m.mu.Unlock()
	if remote == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthInterval)
	defer cancel()
	res, err := remote.Ping(ctx, m.cfg.ID)
	if err != nil {
		m.handleSignal(gen, "ping_failed", err)
		return
	}
	if wantObserver && !res.Registered {
		m.logger.Info("Progress observer lease lost, registering again")
		_ = m.addObserver(remote)
	}
}

// Close unregisters the observer, tears the connection down and resolves in-flight
// submits with TransportUnavailable. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopReconnectTimerLocked()
	m.generation++
	conn := m.conn
	remote := m.connectedRemoteLocked()
	hadObserver := m.progressCb != nil
	m.conn = nil
	m.remote = nil
	m.progressCb = nil
	pending := m.pending
	m.pending = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	close(m.healthStop)
	m.wg.Wait()

	if hadObserver {
		_ = m.removeObserver(remote)
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, call := range pending {
		call.resolve(upscale.NewError(upscale.KindTransportUnavailable, "session closed", nil))
	}
	m.logger.Debug("Session closed")
	return err
}
