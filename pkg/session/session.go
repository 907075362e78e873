// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
)

const (
	// DefaultMTU is the datagram MTU assumed until told otherwise.
	DefaultMTU = 1152

	// DefaultAckTimeout is the base retransmission timeout.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor spreads the first timeout over [1, 1.5) * ack.
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit bounds retransmissions of a confirmable message.
	DefaultMaxRetransmit = 4

	// headroom reserved for header, token and options when sizing blocks.
	headroom = 128
)

// Protocol is the transport variant a session runs over.
type Protocol uint8

const (
	UDP Protocol = iota
	DTLS
	TCP
	TLS
	WS
	WSS
)

func (p Protocol) String() string {
	switch p {
	case UDP:
		return "udp"
	case DTLS:
		return "dtls"
	case TCP:
		return "tcp"
	case TLS:
		return "tls"
	case WS:
		return "ws"
	case WSS:
		return "wss"
	default:
		return "unknown"
	}
}

// Transport returns the wire layout used by p.
func (p Protocol) Transport() message.Transport {
	switch p {
	case TCP, TLS:
		return message.Stream
	case WS, WSS:
		return message.WebSocket
	default:
		return message.Datagram
	}
}

// Reliable reports whether p delivers in order without loss.
func (p Protocol) Reliable() bool {
	return p.Transport().Reliable()
}

// Secure reports whether p is encrypted.
func (p Protocol) Secure() bool {
	return p == DTLS || p == TLS || p == WSS
}

// Key identifies a session.
type Key struct {
	Remote    netip.AddrPort
	LocalPort uint16
	Proto     Protocol
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s@%d", k.Proto, k.Remote, k.LocalPort)
}

// Role tells which side opened the session.
type Role uint8

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// State is the lifecycle state of a session.
type State uint8

const (
	// Handshake marks stream sessions that have not yet received a CSM.
	Handshake State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Handshake:
		return "handshake"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// BlockMode selects how the engine handles blockwise transfers.
type BlockMode uint8

const (
	// BlockUseEngine lets the engine split and reassemble bodies. Without
	// it every block is handed to the application as is.
	BlockUseEngine BlockMode = 1 << iota
	// BlockSingleBody delivers reassembled bodies in one handler call.
	BlockSingleBody
)

// Has reports whether every flag of f is set.
func (m BlockMode) Has(f BlockMode) bool {
	return m&f == f
}

// Params are the transmission parameters of a session.
type Params struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
}

// DefaultParams returns the protocol default transmission parameters.
func DefaultParams() Params {
	return Params{
		AckTimeout:      DefaultAckTimeout,
		AckRandomFactor: DefaultAckRandomFactor,
		MaxRetransmit:   DefaultMaxRetransmit,
	}
}

func (p Params) withDefaults() Params {
	if p.AckTimeout <= 0 {
		p.AckTimeout = DefaultAckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = DefaultAckRandomFactor
	}
	if p.MaxRetransmit < 0 {
		p.MaxRetransmit = DefaultMaxRetransmit
	}
	return p
}

// Session is the state of one conversation with a peer.
type Session struct {
	// ID is a unique identifier for this session
	ID    string
	Key   Key
	Role  Role
	State State

	// MTU bounds datagrams. Stream sessions use MaxMessageSize instead.
	MTU int
	// MaxMessageSize is the peer's limit, learned from its CSM.
	MaxMessageSize int
	// PeerBlockWise is set when the peer's CSM announced block-wise support.
	PeerBlockWise bool

	BlockMode BlockMode
	// BlockSZX is the largest block size exponent this side will use.
	BlockSZX uint8

	Params Params

	Created  clock.Tick
	LastRx   clock.Tick
	LastTx   clock.Tick
	LastPing clock.Tick // zero while no ping is outstanding
	LastPong clock.Tick

	// AppData is owned by the application.
	AppData any

	// Breaker fails sends fast after repeated transport errors.
	Breaker *breaker.Breaker

	txMID     uint16
	tokenBase uint64
	tokenSeq  uint64
}

// NextMessageID returns the next message id in sequence.
func (s *Session) NextMessageID() uint16 {
	s.txMID++
	return s.txMID
}

// NewToken returns a fresh 8-byte token.
func (s *Session) NewToken() []byte {
	s.tokenSeq++
	return binary.BigEndian.AppendUint64(nil, s.tokenBase+s.tokenSeq)
}

// Transport returns the wire layout of the session.
func (s *Session) Transport() message.Transport {
	return s.Key.Proto.Transport()
}

// Reliable reports whether the session runs over a reliable transport.
func (s *Session) Reliable() bool {
	return s.Key.Proto.Reliable()
}

// Codec returns the codec bound to the session's transport and size limit.
func (s *Session) Codec() message.Codec {
	return message.Codec{Transport: s.Transport(), MaxSize: s.maxSize()}
}

func (s *Session) maxSize() int {
	if s.Reliable() {
		if s.MaxMessageSize > 0 {
			return s.MaxMessageSize
		}
		return message.DefaultMaxMessageSize
	}
	return s.MTU
}

// PreferredSZX returns the block size exponent that fits the session's
// limits.
func (s *Session) PreferredSZX() uint8 {
	szx := s.BlockSZX
	if limit := message.SizeToSZX(s.maxSize() - headroom); limit < szx {
		szx = limit
	}
	return szx
}

// LastActivity returns the tick of the last packet in either direction.
func (s *Session) LastActivity() clock.Tick {
	return max(s.LastRx, s.LastTx, s.Created)
}

// String returns the session key used in logs.
func (s *Session) String() string {
	return s.Key.String()
}
