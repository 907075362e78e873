// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// Context contains session metadata passed to every Handler method.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// RemoteAddr is the peer's network address
	RemoteAddr string

	// Protocol is the session transport (udp, dtls, tcp, tls, ws, wss)
	Protocol string

	// Session is the engine's session. Handlers must not keep it past the
	// call.
	Session *session.Session
}

// NewContext builds the context of s.
func NewContext(s *session.Session) *Context {
	return &Context{
		SessionID:  s.ID,
		RemoteAddr: s.Key.Remote.String(),
		Protocol:   s.Key.Proto.String(),
		Session:    s,
	}
}

// Handler receives the lifecycle callbacks of the engine.
//
// AuthRequest is called BEFORE a request reaches its resource. It can
// return an error to reject the request: ErrRateLimited is answered with
// 4.29 and any other error with 4.03.
//
// The other methods are notifications. Errors they return are logged,
// except for OnResponse, where an error rejects the response with a Reset
// (which also cancels an observation).
type Handler interface {
	// AuthRequest authorizes an inbound request.
	AuthRequest(hctx *Context, req *message.Message) error

	// OnResponse delivers a complete response to a request sent through
	// the engine. Notifications arrive here too, with req being the
	// original observe request.
	OnResponse(hctx *Context, req, resp *message.Message) error

	// OnNack reports a message that was not delivered.
	OnNack(hctx *Context, msg *message.Message, reason mcoaperrors.NackReason) error

	// OnPing is called when the peer pings this side.
	OnPing(hctx *Context) error

	// OnPong is called when the peer answers a ping.
	OnPong(hctx *Context) error

	// OnEvent reports session, blockwise and observe events.
	OnEvent(hctx *Context, ev Event) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no callbacks are needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthRequest(hctx *Context, req *message.Message) error {
	return nil
}

func (h *NoopHandler) OnResponse(hctx *Context, req, resp *message.Message) error {
	return nil
}

func (h *NoopHandler) OnNack(hctx *Context, msg *message.Message, reason mcoaperrors.NackReason) error {
	return nil
}

func (h *NoopHandler) OnPing(hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnPong(hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnEvent(hctx *Context, ev Event) error {
	return nil
}

// Funcs adapts plain functions to Handler. Nil fields do nothing.
type Funcs struct {
	Auth     func(hctx *Context, req *message.Message) error
	Response func(hctx *Context, req, resp *message.Message) error
	Nack     func(hctx *Context, msg *message.Message, reason mcoaperrors.NackReason) error
	Ping     func(hctx *Context) error
	Pong     func(hctx *Context) error
	Event    func(hctx *Context, ev Event) error
}

var _ Handler = (*Funcs)(nil)

func (f *Funcs) AuthRequest(hctx *Context, req *message.Message) error {
	if f.Auth == nil {
		return nil
	}
	return f.Auth(hctx, req)
}

func (f *Funcs) OnResponse(hctx *Context, req, resp *message.Message) error {
	if f.Response == nil {
		return nil
	}
	return f.Response(hctx, req, resp)
}

func (f *Funcs) OnNack(hctx *Context, msg *message.Message, reason mcoaperrors.NackReason) error {
	if f.Nack == nil {
		return nil
	}
	return f.Nack(hctx, msg, reason)
}

func (f *Funcs) OnPing(hctx *Context) error {
	if f.Ping == nil {
		return nil
	}
	return f.Ping(hctx)
}

func (f *Funcs) OnPong(hctx *Context) error {
	if f.Pong == nil {
		return nil
	}
	return f.Pong(hctx)
}

func (f *Funcs) OnEvent(hctx *Context, ev Event) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(hctx, ev)
}
