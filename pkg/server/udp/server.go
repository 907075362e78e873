// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/session"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192
)

// ErrNotListening is returned by Send before Listen bound the socket.
var ErrNotListening = errors.New("udp server not listening")

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger

	// Metrics counts dropped datagrams. Optional.
	Metrics *metrics.Metrics
}

// Server reads datagrams from one socket, hands them to the engine loop and
// writes the engine's output back to peers.
type Server struct {
	config     Config
	loop       *server.Loop
	bufferPool *sync.Pool

	mu   sync.RWMutex
	conn *net.UDPConn
	port uint16
	addr chan net.Addr
}

var _ server.Sender = (*Server)(nil)

// New creates a new UDP server feeding loop.
func New(cfg Config, loop *server.Loop) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}

	// Create buffer pool for efficient memory reuse
	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		loop:       loop,
		bufferPool: bufferPool,
		addr:       make(chan net.Addr, 1),
	}
}

// Addr blocks until the socket is bound and returns its address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case a := <-s.addr:
		s.addr <- a
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	local := conn.LocalAddr().(*net.UDPAddr)
	s.mu.Lock()
	s.conn = conn
	s.port = uint16(local.Port)
	s.mu.Unlock()
	s.loop.Handle(session.UDP, s)
	defer s.loop.Unhandle(session.UDP)
	select {
	case s.addr <- local:
	default:
	}

	s.config.Logger.Info("UDP server started",
		slog.String("address", local.String()),
		slog.Int("buffer_size", s.config.BufferSize))

	// Read loop
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.read(ctx, conn)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	// Close the connection to stop reading
	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for read loop to finish
	<-readDone
	return nil
}

func (s *Server) read(ctx context.Context, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Get buffer from pool
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, remote, err := conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr) // Return buffer to pool
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Metrics.ConnectionError("udp", "read")
				s.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}
		}

		// Make a copy of the data for processing
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr) // Return buffer to pool immediately

		pkt := engine.Packet{
			Key: session.Key{
				Remote:    netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
				LocalPort: s.port,
				Proto:     session.UDP,
			},
			Data: datagram,
		}
		if err := s.loop.TryDeliver(pkt); err != nil {
			if errors.Is(err, server.ErrLoopClosed) {
				return
			}
			// Engine is behind, drop packet and let the peer retransmit
			s.config.Metrics.ConnectionError("udp", "queue_full")
			s.config.Logger.Warn("engine queue full, dropping packet",
				slog.String("client", remote.String()))
		}
	}
}

// Send writes data to the peer of k.
func (s *Server) Send(k session.Key, data []byte) (int, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0, ErrNotListening
	}
	return conn.WriteToUDPAddrPort(data, k.Remote)
}
