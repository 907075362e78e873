// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/absmach/mcoap/pkg/block"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/session"
)

// knownOptions are the request options the engine understands.
var knownOptions = map[message.OptionID]struct{}{
	message.IfMatch:       {},
	message.URIHost:       {},
	message.ETag:          {},
	message.IfNoneMatch:   {},
	message.Observe:       {},
	message.URIPort:       {},
	message.LocationPath:  {},
	message.URIPath:       {},
	message.ContentFormat: {},
	message.MaxAge:        {},
	message.URIQuery:      {},
	message.HopLimit:      {},
	message.Accept:        {},
	message.LocationQuery: {},
	message.Block2:        {},
	message.Block1:        {},
	message.Size2:         {},
	message.ProxyURI:      {},
	message.ProxyScheme:   {},
	message.Size1:         {},
	message.Echo:          {},
	message.NoResponse:    {},
	message.RequestTag:    {},
}

func unknownCritical(opts message.Options) (message.OptionID, bool) {
	for _, o := range opts {
		if _, ok := knownOptions[o.ID]; !ok && message.IsCritical(o.ID) {
			return o.ID, true
		}
	}
	return 0, false
}

// handleRequest runs an inbound request through deduplication,
// authorization, resolution, blockwise reassembly and its handler.
func (e *Engine) handleRequest(s *session.Session, m *message.Message, now clock.Tick) {
	proto := s.Key.Proto.String()
	key := e.cache.DeriveKey(s, m, true)
	if !s.Reliable() {
		if en, ok := e.cache.Lookup(key); ok {
			e.metrics.CacheHit(proto)
			e.cache.Touch(en, now)
			e.logger.Debug("duplicate request",
				slog.String("session", s.ID),
				slog.Int("mid", int(m.MessageID)))
			if en.Data != nil {
				if err := e.write(s, en.Data, now); err != nil {
					e.logger.Debug("failed to resend response",
						slog.String("session", s.ID),
						slog.String("error", err.Error()))
				}
			}
			return
		}
	}

	if err := e.handler.AuthRequest(handler.NewContext(s), m); err != nil {
		code := message.Forbidden
		if errors.Is(err, mcoaperrors.ErrRateLimited) {
			code = message.TooManyRequests
			e.metrics.RateLimited(proto, "request")
		}
		e.logger.Debug("request rejected",
			slog.String("session", s.ID),
			slog.String("path", m.Options.Path()),
			slog.String("error", err.Error()))
		e.respondError(s, m, key, code, now)
		return
	}
	if id, ok := unknownCritical(m.Options); ok {
		e.logger.Debug("unknown critical option",
			slog.String("session", s.ID),
			slog.Int("option", int(id)))
		e.respondError(s, m, key, message.BadOption, now)
		return
	}
	res, h, err := e.registry.Resolve(m)
	if err != nil {
		e.respondError(s, m, key, codeFor(err), now)
		return
	}

	if e.blockwise(s) {
		b2, hasB2, err := m.Options.Block(message.Block2)
		if err != nil {
			e.respondError(s, m, key, message.BadOption, now)
			return
		}
		if hasB2 && b2.Num > 0 && e.serveBlock2(s, m, key, b2, now) {
			return
		}
		if m.Options.Has(message.Block1) {
			full, ok := e.receiveBlock1(s, m, key, now)
			if !ok {
				return
			}
			m = full
		}
	}
	e.dispatch(s, m, key, res, h, now)
}

// dispatch calls the resource handler and sends what it produced.
func (e *Engine) dispatch(s *session.Session, m *message.Message, key cache.Key, res *resource.Resource, h resource.HandlerFunc, now clock.Tick) {
	req := &resource.Request{
		Resource: res,
		Session:  s,
		Message:  m,
		Query:    m.Options.Queries(),
		AsyncKey: uint64(key),
	}
	w := &resource.Response{}
	h(w, req)
	if w.IsSeparate() {
		e.separate(s, m, key, now)
		return
	}

	code := w.Code
	if code == 0 {
		code = resource.DefaultCode(m.Code)
	}
	resp := newResponse(s, m, code)
	resp.Options = w.Options
	if b1, ok, _ := m.Options.Block(message.Block1); ok && e.blockwise(s) {
		resp.Options.SetBlock(message.Block1, b1)
	}
	e.observeRequest(s, m, res, resp, now)
	rel, app := w.Release()
	e.respond(s, m, key, resp, w.Payload, rel, app, now)
}

// respond attaches body to resp and sends it.
func (e *Engine) respond(s *session.Session, req *message.Message, key cache.Key, resp *message.Message, body []byte, rel block.ReleaseFunc, app any, now clock.Tick) {
	done, err := e.attachBody(s, req, resp, body, rel, app, now)
	if err != nil {
		e.logger.Debug("failed to attach body",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		e.respondError(s, req, key, message.BadOption, now)
		return
	}
	e.sendResponse(s, req, key, resp, now)
	done()
}

// sendResponse sends resp and records it for deduplication.
func (e *Engine) sendResponse(s *session.Session, req *message.Message, key cache.Key, resp *message.Message, now clock.Tick) {
	data, err := e.send(s, resp, now, &xmitCtx{kind: kindResponse})
	if err != nil {
		e.logger.Debug("failed to send response",
			slog.String("session", s.ID),
			slog.String("response", resp.String()),
			slog.String("error", err.Error()))
		var n *mcoaperrors.Nack
		if !errors.As(err, &n) && resp.Code != message.InternalServerError {
			// The handler produced a response that cannot be encoded.
			e.respondError(s, req, key, message.InternalServerError, now)
			return
		}
		if resp.Type == message.Confirmable {
			e.nack(s, resp, nackReason(err))
		}
		return
	}
	e.metrics.Request(req.Code.String(), message.CodeString(resp.Code))
	if s.Reliable() {
		return
	}
	e.cache.Insert(&cache.Entry{
		Key:         key,
		Session:     s,
		Request:     req,
		Response:    resp,
		Data:        data,
		IdleTimeout: e.cfg.ExchangeLifetime,
	}, now)
}

func (e *Engine) respondError(s *session.Session, req *message.Message, key cache.Key, code message.Code, now clock.Tick) {
	e.sendResponse(s, req, key, newResponse(s, req, code), now)
}

// separate acknowledges req now and parks it until CompleteAsync.
func (e *Engine) separate(s *session.Session, req *message.Message, key cache.Key, now clock.Tick) {
	var data []byte
	if !s.Reliable() && req.Type == message.Confirmable {
		data = e.reply(s, emptyAck(req), now)
	}
	e.cache.Insert(&cache.Entry{
		Key:         key,
		Session:     s,
		Request:     req.Clone(),
		Data:        data,
		IdleTimeout: e.cfg.ExchangeLifetime,
	}, now)
	e.logger.Debug("response deferred",
		slog.String("session", s.ID),
		slog.String("path", req.Options.Path()))
}

// newResponse builds the response skeleton for req: piggybacked on the ACK
// of a confirmable request, non-confirmable otherwise.
func newResponse(s *session.Session, req *message.Message, code message.Code) *message.Message {
	resp := &message.Message{Code: code, Token: bytes.Clone(req.Token)}
	if s.Reliable() {
		return resp
	}
	if req.Type == message.Confirmable {
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		return resp
	}
	resp.Type = message.NonConfirmable
	resp.MessageID = s.NextMessageID()
	return resp
}

func codeFor(err error) message.Code {
	switch {
	case errors.Is(err, mcoaperrors.ErrNotFound):
		return message.NotFound
	case errors.Is(err, mcoaperrors.ErrMethodNotAllowed):
		return message.MethodNotAllowed
	case errors.Is(err, resource.ErrProxyingNotSupported):
		return message.ProxyingNotSupported
	default:
		return message.InternalServerError
	}
}
