// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"log/slog"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// sendCSM announces this side's capabilities on a stream session.
func (e *Engine) sendCSM(s *session.Session, now clock.Tick) error {
	m := &message.Message{Code: message.CSM}
	m.Options.SetUint(message.MaxMessageSize, uint32(e.cfg.MaxMessageSize))
	if e.cfg.BlockMode.Has(session.BlockUseEngine) {
		m.Options.Set(message.BlockWiseTransfer, nil)
	}
	if _, err := e.send(s, m, now, nil); err != nil {
		return fmt.Errorf("failed to send CSM: %w", err)
	}
	return nil
}

func (e *Engine) handleSignal(s *session.Session, m *message.Message, now clock.Tick) {
	switch m.Code {
	case message.CSM:
		if v, ok := m.Options.Uint(message.MaxMessageSize); ok {
			s.MaxMessageSize = int(v)
		}
		s.PeerBlockWise = m.Options.Has(message.BlockWiseTransfer)
		if s.State == session.Handshake {
			s.State = session.Established
		}
		e.logger.Debug("CSM received",
			slog.String("session", s.ID),
			slog.Int("max_message_size", s.MaxMessageSize),
			slog.Bool("block_wise", s.PeerBlockWise))
	case message.Ping:
		e.reply(s, &message.Message{Code: message.Pong, Token: m.Token}, now)
		if err := e.handler.OnPing(handler.NewContext(s)); err != nil {
			e.logger.Debug("ping handler failed", slog.String("error", err.Error()))
		}
	case message.Pong:
		e.pong(s, now)
	case message.Release, message.Abort:
		e.logger.Debug("session closed by peer",
			slog.String("session", s.ID),
			slog.String("signal", message.CodeString(m.Code)))
		e.event(s, handler.Event{Kind: handler.EventSessionClosed})
		e.release(s, now)
	}
}

// Ping checks that the peer is alive: an empty confirmable message on
// datagram sessions, a 7.02 signal on stream sessions. The answer arrives
// through Handler.OnPong.
func (e *Engine) Ping(s *session.Session, now clock.Tick) error {
	e.now = now
	var (
		m   *message.Message
		ctx *xmitCtx
	)
	if s.Reliable() {
		m = &message.Message{Code: message.Ping, Token: s.NewToken()}
	} else {
		m = &message.Message{Type: message.Confirmable, MessageID: s.NextMessageID()}
		ctx = &xmitCtx{kind: kindPing}
	}
	if _, err := e.send(s, m, now, ctx); err != nil {
		return fmt.Errorf("failed to ping: %w", err)
	}
	s.LastPing = now
	return nil
}
