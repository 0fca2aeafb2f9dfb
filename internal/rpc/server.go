package rpc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Embedded server defaults.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 4222
	// RandomPort lets the server pick a free port.
	RandomPort = server.RANDOM_PORT

	defaultReadyTimeout = 5 * time.Second
	maxPayload          = 1 << 20
)

// ServerOptions configures the embedded NATS server.
type ServerOptions struct {
	Port         int
	Host         string
	Name         string
	Token        string // required from clients when set
	ReadyTimeout time.Duration
	Debug        bool // forward the broker's debug output
	Logger       *slog.Logger
}

// Server is the broker the worker embeds; clients and the worker's own endpoint dial it.
type Server struct {
	ns     *server.Server
	opts   ServerOptions
	logger *slog.Logger
}

// NewServer applies defaults to opts. Nothing listens until Start.
func NewServer(opts ServerOptions) *Server {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Name == "" {
		opts.Name = "upscaler"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "nats-server"),
	}
}

// Start launches the broker and blocks until it accepts connections.
func (s *Server) Start() error {
	ns, err := server.NewServer(&server.Options{
		Host:           s.opts.Host,
		Port:           s.opts.Port,
		ServerName:     s.opts.Name,
		Authorization:  s.opts.Token,
		NoSigs:         true,
		MaxControlLine: 4096,
		MaxPayload:     maxPayload,
		Debug:          s.opts.Debug,
	})
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}
	ns.SetLoggerV2(&brokerLogger{logger: s.logger}, s.opts.Debug, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(s.opts.ReadyTimeout) {
		ns.Shutdown()
		return fmt.Errorf("NATS server not ready within %s", s.opts.ReadyTimeout)
	}

	s.ns = ns
	s.logger.Info("NATS server started", "url", s.ClientURL(), "auth", s.opts.Token != "")
	return nil
}

// Stop shuts the broker down, closing every client connection.
func (s *Server) Stop() {
	if s.ns == nil {
		return
	}
	s.logger.Info("Stopping NATS server")
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.ns = nil
}

// ClientURL returns the URL clients should dial.
func (s *Server) ClientURL() string {
	if s.ns == nil {
		return fmt.Sprintf("nats://%s:%d", s.opts.Host, s.opts.Port)
	}
	return s.ns.ClientURL()
}

// IsRunning reports whether the broker accepts connections.
func (s *Server) IsRunning() bool {
	return s.ns != nil && s.ns.Running()
}

// NumClients returns the number of connected clients, the worker's own connection included.
func (s *Server) NumClients() int {
	if s.ns == nil {
		return 0
	}
	return s.ns.NumClients()
}

// brokerLogger routes the broker's printf-style log calls to slog.
type brokerLogger struct {
	logger *slog.Logger
}

func (l *brokerLogger) Noticef(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *brokerLogger) Warnf(format string, v ...any) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l *brokerLogger) Fatalf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...), "fatal", true)
}

func (l *brokerLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l *brokerLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l *brokerLogger) Tracef(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), "trace", true)
}
