// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mcoap/pkg/block"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

var (
	// ErrNotRequest is returned when Send is given anything but a request.
	ErrNotRequest = errors.New("message is not a request")

	// ErrTokenInUse is returned when a token already names an exchange.
	ErrTokenInUse = errors.New("token already in use")
)

// Send sends request m on s. A missing token and the message id are filled
// in; bodies too large for one message go out in Block1 blocks. The response
// arrives through Handler.OnResponse. It returns the token.
func (e *Engine) Send(s *session.Session, m *message.Message, now clock.Tick) ([]byte, error) {
	e.now = now
	if !m.IsRequest() {
		return nil, ErrNotRequest
	}
	m = m.Clone()
	if len(m.Token) == 0 {
		m.Token = s.NewToken()
	}
	xk := exchKey{session: s.Key, token: string(m.Token)}
	if _, ok := e.exchanges[xk]; ok {
		return nil, ErrTokenInUse
	}
	if s.Reliable() {
		m.Type, m.MessageID = 0, 0
	} else {
		m.MessageID = s.NextMessageID()
		if m.Type != message.NonConfirmable {
			m.Type = message.Confirmable
		}
	}
	obs, hasObs := m.Options.Observe()
	e.exchanges[xk] = &exchange{session: s, request: m, observe: hasObs && obs == 0}

	var err error
	szx := s.PreferredSZX()
	if e.blockwise(s) && e.tooLarge(s, len(m.Payload), szx) {
		skeleton := m.Clone()
		skeleton.Payload = nil
		t := block.NewTransmit(message.Block1, m.Payload, szx, skeleton, nil, nil, now)
		e.blocks.PutTransmit(block.Block1Key(s.Key, m.Token), t)
		err = e.sendBlock1(s, t, now)
	} else {
		_, err = e.send(s, m, now, &xmitCtx{kind: kindRequest})
	}
	if err != nil {
		delete(e.exchanges, xk)
		e.blocks.RemoveTransmit(block.Block1Key(s.Key, m.Token))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	e.logger.Debug("request sent",
		slog.String("session", s.ID),
		slog.String("request", m.String()))
	return m.Token, nil
}

// CancelRequest forgets the exchange named by token without telling the
// peer. It reports whether one existed.
func (e *Engine) CancelRequest(s *session.Session, token []byte) bool {
	e.queue.RemoveToken(s.Key, token)
	e.blocks.RemoveTransmit(block.Block1Key(s.Key, token))
	e.blocks.RemoveClientReceive(block.CrcvKey{Session: s.Key, Token: string(token)})
	xk := exchKey{session: s.Key, token: string(token)}
	_, ok := e.exchanges[xk]
	delete(e.exchanges, xk)
	return ok
}

// CancelObserve ends an observation by re-sending its request with
// Observe set to 1. The final response is still delivered.
func (e *Engine) CancelObserve(s *session.Session, token []byte, now clock.Tick) error {
	e.now = now
	ex, ok := e.exchanges[exchKey{session: s.Key, token: string(token)}]
	if !ok || !ex.observe {
		return fmt.Errorf("observation %x: %w", token, mcoaperrors.ErrNotFound)
	}
	ex.observe = false
	e.blocks.RemoveClientReceive(block.CrcvKey{Session: s.Key, Token: string(token)})
	req := ex.request.Clone()
	req.Options.SetUint(message.Observe, 1)
	req.Options.Remove(message.Block2)
	if !s.Reliable() {
		req.MessageID = s.NextMessageID()
	}
	if _, err := e.send(s, req, now, &xmitCtx{kind: kindRequest}); err != nil {
		return fmt.Errorf("failed to cancel observation: %w", err)
	}
	return nil
}

// handleResponse matches a response to its exchange. It reports false when
// the response must be rejected with a Reset.
func (e *Engine) handleResponse(s *session.Session, m *message.Message, now clock.Tick) bool {
	xk := exchKey{session: s.Key, token: string(m.Token)}
	ex, ok := e.exchanges[xk]
	if !ok {
		e.logger.Debug("response for unknown token",
			slog.String("session", s.ID),
			slog.String("token", fmt.Sprintf("%x", m.Token)))
		return false
	}
	if e.blockwise(s) {
		if e.continueBlock1(s, m, now) {
			return true
		}
		full, done := e.receiveBlock2(s, ex, m, now)
		if !done {
			return true
		}
		m = full
	}
	return e.deliver(s, ex, m)
}

// deliver hands a complete response to the application.
func (e *Engine) deliver(s *session.Session, ex *exchange, m *message.Message) bool {
	xk := exchKey{session: s.Key, token: string(m.Token)}
	keep := ex.observe && m.Options.Has(message.Observe) && message.CodeClass(m.Code) == 2
	if !keep {
		delete(e.exchanges, xk)
	}
	if err := e.handler.OnResponse(handler.NewContext(s), ex.request, m); err != nil {
		e.logger.Debug("response rejected",
			slog.String("session", s.ID),
			slog.String("response", m.String()),
			slog.String("error", err.Error()))
		delete(e.exchanges, xk)
		return false
	}
	return true
}

// failRequest gives up on the exchange of m and reports it.
func (e *Engine) failRequest(s *session.Session, m *message.Message, reason mcoaperrors.NackReason) {
	xk := exchKey{session: s.Key, token: string(m.Token)}
	req := m
	if ex, ok := e.exchanges[xk]; ok {
		req = ex.request
		delete(e.exchanges, xk)
	}
	if t, ok := e.blocks.RemoveTransmit(block.Block1Key(s.Key, m.Token)); ok {
		e.metrics.BlockTransfer("block1", "failed")
		path := t.Skeleton.Options.Path()
		e.event(s, handler.Event{
			Kind:  handler.EventXmitBlockFail,
			Path:  path,
			Token: m.Token,
			Err:   &mcoaperrors.Nack{Reason: reason},
		})
	}
	e.blocks.RemoveClientReceive(block.CrcvKey{Session: s.Key, Token: string(m.Token)})
	e.nack(s, req, reason)
}

// failBlockFetch gives up on the response whose block request m was lost.
// An observation outlives it: the next notification starts a new transfer.
func (e *Engine) failBlockFetch(s *session.Session, m *message.Message, reason mcoaperrors.NackReason) {
	ex, ok := e.exchanges[exchKey{session: s.Key, token: string(m.Token)}]
	if !ok || !ex.observe {
		e.failRequest(s, m, reason)
		return
	}
	e.blocks.RemoveClientReceive(block.CrcvKey{Session: s.Key, Token: string(m.Token)})
	e.metrics.BlockTransfer("block2", "failed")
	path := ex.request.Options.Path()
	e.event(s, handler.Event{
		Kind:  handler.EventPartialBlock,
		Path:  path,
		Token: m.Token,
		Err:   &mcoaperrors.Nack{Reason: reason},
	})
}
