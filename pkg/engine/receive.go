// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"

	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/session"
)

// HandlePacket processes one datagram or frame. Packets from unknown peers
// open a server session.
func (e *Engine) HandlePacket(pkt Packet, now clock.Tick) {
	e.now = now
	s, ok := e.sessions.Get(pkt.Key)
	if !ok {
		var (
			created bool
			evicted []*session.Session
		)
		s, created, evicted = e.sessions.GetOrCreate(pkt.Key, session.Server, now)
		for _, v := range evicted {
			e.release(v, now)
		}
		if created {
			if err := e.opened(s, now); err != nil {
				e.logger.Warn("failed to open session",
					slog.String("session", s.ID),
					slog.String("error", err.Error()))
			}
		}
	}
	s.LastRx = now

	m, err := s.Codec().Decode(pkt.Data)
	if err != nil {
		e.badPacket(s, pkt.Data, err, now)
		return
	}
	e.metrics.Message("rx", typeName(s, m), message.CodeString(m.Code), len(pkt.Data))
	if s.Reliable() {
		e.handleStream(s, m, now)
		return
	}
	e.handleDatagram(s, m, now)
}

func (e *Engine) badPacket(s *session.Session, data []byte, err error, now clock.Tick) {
	e.metrics.BadPacket(s.Key.Proto.String())
	e.logger.Debug("failed to parse packet",
		slog.String("session", s.ID),
		slog.Int("size", len(data)),
		slog.String("error", err.Error()))
	e.event(s, handler.Event{Kind: handler.EventBadPacket, Err: err})
	if s.Reliable() {
		// A broken frame leaves the stream unusable.
		e.reply(s, &message.Message{Code: message.Abort}, now)
		e.release(s, now)
		return
	}
	if typ, mid, ok := message.PeekHeader(data); ok && typ == message.Confirmable {
		e.reply(s, &message.Message{Type: message.Reset, MessageID: mid}, now)
	}
}

func (e *Engine) handleDatagram(s *session.Session, m *message.Message, now clock.Tick) {
	switch {
	case m.Type == message.Reset:
		e.handleReset(s, m, now)
	case m.Type == message.Acknowledgement:
		e.handleAck(s, m, now)
		if m.IsResponse() {
			e.handleResponse(s, m, now)
		}
	case m.IsEmpty():
		if m.Type == message.Confirmable {
			e.reply(s, reset(m), now)
			if err := e.handler.OnPing(handler.NewContext(s)); err != nil {
				e.logger.Debug("ping handler failed", slog.String("error", err.Error()))
			}
		}
	case m.IsRequest():
		e.handleRequest(s, m, now)
	case m.IsResponse():
		accepted := e.handleResponse(s, m, now)
		switch {
		case !accepted:
			e.reply(s, reset(m), now)
		case m.Type == message.Confirmable:
			e.reply(s, emptyAck(m), now)
		}
	default:
		if m.Type == message.Confirmable {
			e.reply(s, reset(m), now)
		}
	}
}

func (e *Engine) handleStream(s *session.Session, m *message.Message, now clock.Tick) {
	switch {
	case m.IsSignal():
		e.handleSignal(s, m, now)
	case m.IsRequest():
		e.handleRequest(s, m, now)
	case m.IsResponse():
		e.handleResponse(s, m, now)
	}
}

// handleAck settles the confirmable message acknowledged by m.
func (e *Engine) handleAck(s *session.Session, m *message.Message, now clock.Tick) {
	en, ok := e.queue.Remove(s.Key, m.MessageID)
	if !ok {
		return
	}
	ctx, _ := en.Context.(*xmitCtx)
	if ctx == nil {
		return
	}
	switch ctx.kind {
	case kindNotification:
		e.observers.Acked(ctx.sub)
	case kindPing:
		e.pong(s, now)
	}
}

// handleReset settles the message rejected by m.
func (e *Engine) handleReset(s *session.Session, m *message.Message, now clock.Tick) {
	en, ok := e.queue.Remove(s.Key, m.MessageID)
	if !ok {
		// A Reset to a non-confirmable notification cancels it too.
		if sub, ok := e.observers.FindByMID(s.Key, m.MessageID); ok {
			e.cancelObservation(s, sub)
		}
		return
	}
	ctx, _ := en.Context.(*xmitCtx)
	if ctx == nil {
		ctx = &xmitCtx{kind: kindResponse}
	}
	switch ctx.kind {
	case kindPing:
		e.pong(s, now)
	case kindNotification:
		e.cancelObservation(s, ctx.sub)
	case kindRequest:
		if ctx.blockFetch {
			e.failBlockFetch(s, en.Message, mcoaperrors.NackReset)
			return
		}
		e.failRequest(s, en.Message, mcoaperrors.NackReset)
	default:
		e.nack(s, en.Message, mcoaperrors.NackReset)
	}
}

func (e *Engine) cancelObservation(s *session.Session, sub *observe.Subscription) {
	if cur, ok := e.observers.Find(s.Key, sub.Token); !ok || cur != sub {
		return
	}
	e.observers.Remove(s.Key, sub.Token)
	e.event(s, handler.Event{Kind: handler.EventObserveCancelled, Path: sub.Path, Token: sub.Token})
}

func (e *Engine) pong(s *session.Session, now clock.Tick) {
	s.LastPing = 0
	s.LastPong = now
	if err := e.handler.OnPong(handler.NewContext(s)); err != nil {
		e.logger.Debug("pong handler failed", slog.String("error", err.Error()))
	}
}
