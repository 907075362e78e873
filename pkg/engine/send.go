// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// write hands encoded data to the transport through the session breaker.
func (e *Engine) write(s *session.Session, data []byte, now clock.Tick) error {
	proto := s.Key.Proto.String()
	if s.Breaker != nil {
		if err := s.Breaker.Allow(now); err != nil {
			return &mcoaperrors.Nack{Reason: mcoaperrors.NackNotDeliverable, Err: err}
		}
	}
	_, err := e.transport.Send(s, data)
	if s.Breaker != nil {
		s.Breaker.Record(now, err)
	}
	if err != nil {
		e.metrics.ConnectionError(proto, "send")
		return &mcoaperrors.Nack{
			Reason: mcoaperrors.NackICMPIssue,
			Err:    mcoaperrors.New("send", proto, s.ID, s.Key.Remote.String(), err),
		}
	}
	s.LastTx = now
	return nil
}

// send encodes and writes m. Confirmable datagram messages are queued for
// retransmission with ctx routing their outcome. It returns the encoded
// message.
func (e *Engine) send(s *session.Session, m *message.Message, now clock.Tick, ctx *xmitCtx) ([]byte, error) {
	data, err := s.Codec().Encode(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m, err)
	}
	if err := e.write(s, data, now); err != nil {
		return nil, err
	}
	e.metrics.Message("tx", typeName(s, m), message.CodeString(m.Code), len(data))
	if !s.Reliable() && m.Type == message.Confirmable {
		if ctx == nil {
			ctx = &xmitCtx{kind: kindResponse}
		}
		e.queue.Add(s, m, data, now, ctx)
	}
	return data, nil
}

// reply sends an ACK, RST or other unqueued message, logging failures.
func (e *Engine) reply(s *session.Session, m *message.Message, now clock.Tick) []byte {
	data, err := e.send(s, m, now, nil)
	if err != nil {
		e.logger.Debug("failed to send reply",
			slog.String("session", s.ID),
			slog.String("message", m.String()),
			slog.String("error", err.Error()))
		return nil
	}
	return data
}

// nackReason maps a send error to the reason reported to the application.
func nackReason(err error) mcoaperrors.NackReason {
	var n *mcoaperrors.Nack
	if errors.As(err, &n) {
		return n.Reason
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return mcoaperrors.NackNotDeliverable
	}
	return mcoaperrors.NackICMPIssue
}

func emptyAck(m *message.Message) *message.Message {
	return &message.Message{Type: message.Acknowledgement, MessageID: m.MessageID}
}

func reset(m *message.Message) *message.Message {
	return &message.Message{Type: message.Reset, MessageID: m.MessageID}
}

func typeName(s *session.Session, m *message.Message) string {
	if s.Reliable() {
		return s.Transport().String()
	}
	return m.Type.String()
}
