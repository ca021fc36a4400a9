package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/ews-relay/internal/provider"
)

// shutdownTimeout is the maximum time to wait for in-flight deliveries
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// idleTimeout closes connections that stop talking.
const idleTimeout = 60 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in EHLO responses.
	Hostname string

	// Provider is the email delivery backend.
	Provider provider.Provider

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageBytes limits DATA. Zero means unlimited.
	MaxMessageBytes int64

	// AllowInsecureAuth permits AUTH before STARTTLS.
	AllowInsecureAuth bool
}

// Server is an SMTP server that accepts connections and delegates
// email delivery to a configured Provider.
type Server struct {
	config  ServerConfig
	backend *Backend
	smtp    *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	backend := NewBackend(NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword), cfg.Provider)

	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.TLSConfig = cfg.TLSConfig
	srv.MaxMessageBytes = int(cfg.MaxMessageBytes)
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth
	srv.AuthDisabled = !backend.auth.Enabled()
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)

	// PLAIN is built in and goes through Backend.Login; LOGIN is added for
	// older clients.
	srv.EnableAuth(sasl.Login, func(conn *gosmtp.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			state := conn.State()
			session, err := backend.Login(&state, username, password)
			if err != nil {
				return err
			}
			conn.SetSession(session)
			return nil
		})
	})

	return &Server{
		config:  cfg,
		backend: backend,
		smtp:    srv,
	}
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
// On context cancellation, it stops accepting new connections and waits up to
// 30 seconds for in-flight deliveries to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.backend.ctx = ctx

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.backend.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			slog.Info("shutting down SMTP server")
			ln.Close()
		case <-stop:
		}
	}()

	err := s.smtp.Serve(ln)
	if ctx.Err() == nil {
		return err
	}

	if s.backend.drain(shutdownTimeout) {
		slog.Info("all deliveries completed")
	} else {
		slog.Warn("shutdown timeout reached, forcing close")
	}
	if cerr := s.smtp.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		slog.Debug("closing SMTP server", "error", cerr)
	}
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
