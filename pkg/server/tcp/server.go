// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/google/uuid"
)

const (
	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrNoConnection is returned by Send when the peer is not connected.
	ErrNoConnection = errors.New("no connection for session")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener. Sessions
	// accepted with TLS use session.TLS.
	TLSConfig *tls.Config

	// MaxMessageSize bounds inbound frames.
	// If 0, uses message.DefaultMaxMessageSize.
	MaxMessageSize int

	// WriteTimeout bounds a single frame write.
	// If 0, uses DefaultWriteTimeout.
	WriteTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger

	// Metrics records connection counts and errors. Optional.
	Metrics *metrics.Metrics
}

type conn struct {
	id string
	net.Conn
}

// Server accepts stream connections and runs each one as an engine
// session.
type Server struct {
	config Config
	loop   *server.Loop
	proto  session.Protocol
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[session.Key]*conn
	port  uint16
	addr  chan net.Addr
}

var _ server.Sender = (*Server)(nil)

// New creates a new TCP server feeding loop.
func New(cfg Config, loop *server.Loop) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = message.DefaultMaxMessageSize
	}
	proto := session.TCP
	if cfg.TLSConfig != nil {
		proto = session.TLS
	}

	return &Server{
		config: cfg,
		loop:   loop,
		proto:  proto,
		conns:  make(map[session.Key]*conn),
		addr:   make(chan net.Addr, 1),
	}
}

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	local := listener.Addr()
	if a, ok := local.(*net.TCPAddr); ok {
		s.port = uint16(a.Port)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", local.String()))
	}

	s.loop.Handle(s.proto, s)
	defer s.loop.Unhandle(s.proto)
	select {
	case s.addr <- local:
	default:
	}

	s.config.Logger.Info("TCP server started", slog.String("address", local.String()))

	// Create a separate context for active connections
	// This allows us to control when to forcefully close connections
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			nc, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					if errors.Is(err, net.ErrClosed) {
						return
					}
					s.config.Metrics.ConnectionError(s.proto.String(), "accept")
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				err := s.config.Metrics.ObserveConnection(s.proto.String(), func() error {
					return s.handleConn(connCtx, nc)
				})
				if err != nil && !errors.Is(err, io.EOF) {
					s.config.Metrics.ConnectionError(s.proto.String(), "read")
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", nc.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		// Cancel context and close sockets to force remaining readers out
		connCancel()
		s.closeAll()
		// Give a little more time for forced closure
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// handleConn completes the TLS handshake of an accepted connection and
// serves it.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) error {
	// Complete the handshake before the first read to surface TLS errors
	if tlsConn, ok := nc.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}
	k, c, err := s.track(nc)
	if err != nil {
		nc.Close()
		return err
	}
	return s.serve(ctx, k, c)
}

// Dial connects to address and serves the connection until ctx is
// cancelled or the peer closes it. The returned key names the session to
// open with engine.NewClientSession.
func (s *Server) Dial(ctx context.Context, address string) (session.Key, error) {
	var (
		nc  net.Conn
		err error
	)
	if s.config.TLSConfig != nil {
		d := &tls.Dialer{Config: s.config.TLSConfig}
		nc, err = d.DialContext(ctx, "tcp", address)
	} else {
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return session.Key{}, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		s.port = uint16(a.Port)
	}
	k, c, err := s.track(nc)
	if err != nil {
		nc.Close()
		return session.Key{}, err
	}
	s.loop.Handle(s.proto, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stop := context.AfterFunc(ctx, func() { nc.Close() })
		defer stop()
		if err := s.serve(ctx, k, c); err != nil {
			s.config.Logger.Debug("connection handler error",
				slog.String("remote", address),
				slog.String("error", err.Error()))
		}
	}()
	return k, nil
}

// Wait blocks until every connection has been closed.
func (s *Server) Wait() {
	s.wg.Wait()
}

// track registers nc so Send can reach it.
func (s *Server) track(nc net.Conn) (session.Key, *conn, error) {
	remote, err := netip.ParseAddrPort(nc.RemoteAddr().String())
	if err != nil {
		return session.Key{}, nil, fmt.Errorf("failed to parse remote address: %w", err)
	}
	k := session.Key{
		Remote:    netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		LocalPort: s.port,
		Proto:     s.proto,
	}
	c := &conn{id: uuid.New().String(), Conn: nc}
	s.mu.Lock()
	s.conns[k] = c
	s.mu.Unlock()

	s.config.Logger.Debug("connection established",
		slog.String("conn", c.id),
		slog.String("peer", k.Remote.String()))
	return k, c, nil
}

// serve reads frames from c until it closes, then drops the engine
// session.
func (s *Server) serve(ctx context.Context, k session.Key, c *conn) error {
	defer c.Close()
	defer func() {
		s.mu.Lock()
		if s.conns[k] == c {
			delete(s.conns, k)
		}
		s.mu.Unlock()
		// The loop may be gone already during shutdown.
		dropCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.loop.Do(dropCtx, func(e *engine.Engine, now clock.Tick) {
			e.DropSession(k, now)
		})
		s.config.Logger.Debug("connection closed", slog.String("conn", c.id))
	}()

	for {
		frame, err := message.ReadFrame(c, s.config.MaxMessageSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if err := s.loop.Deliver(ctx, engine.Packet{Key: k, Data: frame}); err != nil {
			return err
		}
	}
}

// Send writes one frame to the connection of k.
func (s *Server) Send(k session.Key, data []byte) (int, error) {
	s.mu.RLock()
	c, ok := s.conns[k]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNoConnection
	}
	if err := c.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return 0, err
	}
	return c.Write(data)
}

func (s *Server) closeAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.Close()
	}
}
