// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/session"
)

// ErrNoSender is returned when no listener serves a session's protocol.
var ErrNoSender = errors.New("no sender for protocol")

// Sender writes encoded messages to peers of one protocol.
type Sender interface {
	Send(k session.Key, data []byte) (int, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(k session.Key, data []byte) (int, error)

func (f SenderFunc) Send(k session.Key, data []byte) (int, error) {
	return f(k, data)
}

// Mux is the engine transport of a Loop. Outbound messages are routed to
// the Sender registered for the session's protocol; inbound packets queue
// until the loop drains them.
type Mux struct {
	mu      sync.RWMutex
	senders map[session.Protocol]Sender
	inbox   chan engine.Packet
}

var _ engine.Transport = (*Mux)(nil)

// NewMux creates a mux buffering up to size inbound packets.
func NewMux(size int) *Mux {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Mux{
		senders: make(map[session.Protocol]Sender),
		inbox:   make(chan engine.Packet, size),
	}
}

// Handle registers s for p, replacing any previous sender.
func (m *Mux) Handle(p session.Protocol, s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders[p] = s
}

// Remove unregisters the sender of p.
func (m *Mux) Remove(p session.Protocol) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.senders, p)
}

// Send implements engine.Transport.
func (m *Mux) Send(s *session.Session, data []byte) (int, error) {
	m.mu.RLock()
	snd, ok := m.senders[s.Key.Proto]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%s: %w", s.Key.Proto, ErrNoSender)
	}
	return snd.Send(s.Key, data)
}

// Recv implements engine.Transport. It never blocks.
func (m *Mux) Recv() (engine.Packet, bool) {
	select {
	case pkt := <-m.inbox:
		return pkt, true
	default:
		return engine.Packet{}, false
	}
}
