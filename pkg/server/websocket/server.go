// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultPath is the well-known upgrade path for CoAP over WebSockets.
	DefaultPath = "/.well-known/coap"

	// Subprotocol is the WebSocket subprotocol clients must offer.
	Subprotocol = "coap"

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single message write.
	DefaultWriteTimeout = 10 * time.Second
)

// ErrNoConnection is returned by Send when the peer is not connected.
var ErrNoConnection = errors.New("no websocket for session")

// Config holds the WebSocket server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is the upgrade path. If empty, uses DefaultPath.
	Path string

	// TLSConfig enables WSS when set.
	TLSConfig *tls.Config

	// CheckOrigin validates the Origin header of upgrade requests.
	// If nil, every origin is accepted.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageSize bounds inbound messages.
	// If 0, uses message.DefaultMaxMessageSize.
	MaxMessageSize int

	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger

	// Metrics records connection counts and errors. Optional.
	Metrics *metrics.Metrics
}

type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

// Server upgrades HTTP requests and runs each WebSocket as an engine
// session.
type Server struct {
	config   Config
	loop     *server.Loop
	proto    session.Protocol
	upgrader websocket.Upgrader
	wg       sync.WaitGroup

	mu    sync.RWMutex
	conns map[session.Key]*conn
	port  uint16
	addr  chan net.Addr
	ctx   context.Context
}

var (
	_ server.Sender = (*Server)(nil)
	_ http.Handler  = (*Server)(nil)
)

// New creates a new WebSocket server feeding loop.
func New(cfg Config, loop *server.Loop) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = message.DefaultMaxMessageSize
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	proto := session.WS
	if cfg.TLSConfig != nil {
		proto = session.WSS
	}

	return &Server{
		config: cfg,
		loop:   loop,
		proto:  proto,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  checkOrigin,
		},
		conns: make(map[session.Key]*conn),
		addr:  make(chan net.Addr, 1),
		ctx:   context.Background(),
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

// Listen starts the WebSocket server and blocks until the context is
// cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	local := listener.Addr()
	if a, ok := local.(*net.TCPAddr); ok {
		s.port = uint16(a.Port)
	}
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	s.mu.Lock()
	s.ctx = connCtx
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.loop.Handle(s.proto, s)
	defer s.loop.Unhandle(s.proto)
	select {
	case s.addr <- local:
	default:
	}

	s.config.Logger.Info("WebSocket server started",
		slog.String("address", local.String()),
		slog.String("path", s.config.Path),
		slog.String("protocol", s.proto.String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing WebSocket server")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.config.Logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	// Upgraded connections are hijacked and not tracked by http.Server.
	connCancel()
	s.closeAll(websocket.CloseGoingAway)
	s.wg.Wait()

	s.config.Logger.Info("WebSocket server shutdown complete")
	return nil
}

// ServeHTTP upgrades r and reads CoAP messages until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !slices.Contains(websocket.Subprotocols(r), Subprotocol) {
		http.Error(w, "coap subprotocol required", http.StatusBadRequest)
		return
	}
	remote, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		http.Error(w, "invalid remote address", http.StatusBadRequest)
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Metrics.ConnectionError(s.proto.String(), "upgrade")
		s.config.Logger.Error("failed to upgrade connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(int64(s.config.MaxMessageSize))

	err = s.config.Metrics.ObserveConnection(s.proto.String(), func() error {
		return s.serve(ws, remote)
	})
	if err != nil {
		s.config.Metrics.ConnectionError(s.proto.String(), "read")
	}
}

// serve reads messages from ws until it closes, then drops the engine
// session.
func (s *Server) serve(ws *websocket.Conn, remote netip.AddrPort) error {
	k := session.Key{
		Remote:    netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		LocalPort: s.port,
		Proto:     s.proto,
	}
	c := &conn{id: uuid.New().String(), ws: ws}
	s.mu.Lock()
	s.conns[k] = c
	ctx := s.ctx
	s.mu.Unlock()

	s.config.Logger.Debug("websocket connection upgraded",
		slog.String("conn", c.id),
		slog.String("client", k.Remote.String()))

	defer func() {
		s.mu.Lock()
		if s.conns[k] == c {
			delete(s.conns, k)
		}
		s.mu.Unlock()
		dropCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.loop.Do(dropCtx, func(e *engine.Engine, now clock.Tick) {
			e.DropSession(k, now)
		})
		s.config.Logger.Debug("websocket connection closed", slog.String("conn", c.id))
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			s.config.Logger.Debug("websocket read error",
				slog.String("conn", c.id),
				slog.String("error", err.Error()))
			return err
		}
		if mt != websocket.BinaryMessage {
			s.config.Logger.Debug("ignoring non-binary message",
				slog.String("conn", c.id),
				slog.Int("type", mt))
			continue
		}
		if err := s.loop.Deliver(ctx, engine.Packet{Key: k, Data: data}); err != nil {
			return err
		}
	}
}

// Send writes data as one binary message to the socket of k.
func (s *Server) Send(k session.Key, data []byte) (int, error) {
	s.mu.RLock()
	c, ok := s.conns[k]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNoConnection
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return 0, err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (s *Server) closeAll(code int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg := websocket.FormatCloseMessage(code, "")
	deadline := time.Now().Add(time.Second)
	for _, c := range s.conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		c.ws.Close()
	}
}
