// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"encoding/binary"
	"log/slog"

	"github.com/absmach/mcoap/pkg/block"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/cespare/xxhash/v2"
)

// blockHeadroom is reserved for header, token and options when deciding
// whether a body fits a stream message.
const blockHeadroom = 128

// blockwise reports whether the engine splits and reassembles bodies on s.
func (e *Engine) blockwise(s *session.Session) bool {
	if !s.BlockMode.Has(session.BlockUseEngine) {
		return false
	}
	return !s.Reliable() || s.PeerBlockWise
}

// tooLarge reports whether a body of n bytes must be sent in blocks.
func (e *Engine) tooLarge(s *session.Session, n int, szx uint8) bool {
	if s.Reliable() {
		return n+blockHeadroom > s.Codec().MaxSize
	}
	return n > message.SZXToSize(szx)
}

func etagOf(body []byte) []byte {
	return binary.BigEndian.AppendUint64(nil, xxhash.Sum64(body))
}

// attachBody puts body into m, switching to Block2 when it does not fit.
// The returned func must run once m has been sent.
func (e *Engine) attachBody(s *session.Session, req, m *message.Message, body []byte, rel block.ReleaseFunc, app any, now clock.Tick) (func(), error) {
	done := func() {
		if rel != nil {
			rel(app)
		}
	}
	if !e.blockwise(s) {
		m.Payload = body
		return done, nil
	}
	b2, hasB2, _ := req.Options.Block(message.Block2)
	szx := s.PreferredSZX()
	if hasB2 && b2.SZX < szx {
		szx = b2.SZX
	}
	if !e.tooLarge(s, len(body), szx) {
		m.Payload = body
		return done, nil
	}

	if _, ok := m.Options.ETag(); !ok {
		m.Options.Set(message.ETag, etagOf(body))
	}
	skeleton := m.Clone()
	skeleton.Options.Remove(message.Observe)
	skeleton.Payload = nil
	t := block.NewTransmit(message.Block2, body, szx, skeleton, rel, app, now)
	t.ETag, _ = m.Options.ETag()

	var num uint32
	if hasB2 {
		num = b2.Num
	}
	payload, blk, err := t.Chunk(num, szx)
	if err != nil {
		t.Release()
		return func() {}, err
	}
	m.Options.SetBlock(message.Block2, blk)
	m.Options.SetUint(message.Size2, uint32(len(body)))
	m.Payload = payload
	if !blk.More {
		return t.Release, nil
	}
	e.blocks.PutTransmit(block.Block2Key(s.Key, req.Options.Path(), req.Options.Queries()), t)
	return func() {}, nil
}

// serveBlock2 answers a request for a later block of a stored body. It
// reports false when no body is stored, so the handler runs again.
func (e *Engine) serveBlock2(s *session.Session, req *message.Message, key cache.Key, b2 message.Block, now clock.Tick) bool {
	xk := block.Block2Key(s.Key, req.Options.Path(), req.Options.Queries())
	t, ok := e.blocks.Transmit(xk)
	if !ok {
		return false
	}
	payload, blk, err := t.Chunk(b2.Num, b2.SZX)
	if err != nil {
		e.blocks.RemoveTransmit(xk)
		e.respondError(s, req, key, message.BadOption, now)
		return true
	}
	t.LastUsed = now

	resp := newResponse(s, req, t.Skeleton.Code)
	resp.Options = t.Skeleton.Clone().Options
	resp.Options.SetBlock(message.Block2, blk)
	resp.Options.SetUint(message.Size2, uint32(t.Len()))
	resp.Payload = payload
	e.sendResponse(s, req, key, resp, now)
	if !blk.More {
		e.blocks.RemoveTransmit(xk)
		e.metrics.BlockTransfer("block2", "complete")
	}
	return true
}

// receiveBlock1 records one block of a request body. It returns the request
// carrying the whole body once every block arrived.
func (e *Engine) receiveBlock1(s *session.Session, m *message.Message, key cache.Key, now clock.Tick) (*message.Message, bool) {
	b1, _, err := m.Options.Block(message.Block1)
	if err != nil {
		e.respondError(s, m, key, message.BadOption, now)
		return nil, false
	}
	path := m.Options.Path()
	rtag, _ := m.Options.Get(message.RequestTag)
	rk := block.RecvKey{Session: s.Key, Path: path, RequestTag: string(rtag)}
	if b1.Num == 0 {
		// Block 0 under another token starts a new request. Under the same
		// token it is a late or repeated block of this one.
		if r, ok := e.blocks.ServerReceive(rk, nil); ok && !r.Owns(m.Token) {
			e.blocks.RemoveServerReceive(rk)
		}
	}
	size1 := -1
	if v, ok := m.Options.Uint(message.Size1); ok {
		size1 = int(v)
	}
	r, _ := e.blocks.ServerReceive(rk, func() *block.ServerReceive {
		return block.NewServerReceive(path, rtag, e.cfg.MaxBodySize, now)
	})
	res, err := r.Add(m, b1, size1, now)
	if err != nil {
		e.blocks.RemoveServerReceive(rk)
		e.metrics.BlockTransfer("block1", "failed")
		e.event(s, handler.Event{Kind: handler.EventPartialBlock, Path: path, Token: m.Token, Err: err})
		resp := newResponse(s, m, message.RequestEntityIncomplete)
		if mcoaperrors.IsBlock(err, mcoaperrors.BlockTooLarge) {
			resp.Code = message.RequestEntityTooLarge
			resp.Options.SetUint(message.Size1, uint32(e.cfg.MaxBodySize))
		}
		e.sendResponse(s, m, key, resp, now)
		return nil, false
	}

	if res == block.Complete {
		e.blocks.RemoveServerReceive(rk)
		e.metrics.BlockTransfer("block1", "complete")
		full := m.Clone()
		full.Payload = r.Body
		full.Options.Remove(message.Size1)
		if r.HasFormat {
			full.Options.SetUint(message.ContentFormat, r.ContentFormat)
		}
		return full, true
	}
	switch {
	case b1.More:
		szx := min(b1.SZX, s.PreferredSZX())
		resp := newResponse(s, m, message.Continue)
		resp.Options.SetBlock(message.Block1, message.Block{Num: b1.Num, More: true, SZX: szx})
		e.sendResponse(s, m, key, resp, now)
	case !s.Reliable() && m.Type == message.Confirmable:
		// The final block arrived ahead of a gap: acknowledge and wait.
		data := e.reply(s, emptyAck(m), now)
		e.cache.Insert(&cache.Entry{
			Key:         key,
			Session:     s,
			Request:     m,
			Response:    emptyAck(m),
			Data:        data,
			IdleTimeout: e.cfg.ExchangeLifetime,
		}, now)
	}
	return nil, false
}

// sendBlock1 sends the next block of an outbound request body.
func (e *Engine) sendBlock1(s *session.Session, t *block.Transmit, now clock.Tick) error {
	payload, blk := t.Next()
	m := t.Skeleton.Clone()
	if !s.Reliable() {
		m.MessageID = s.NextMessageID()
	}
	m.Options.SetBlock(message.Block1, blk)
	if blk.Num == 0 {
		m.Options.SetUint(message.Size1, uint32(t.Len()))
	}
	if blk.More {
		// Observe is only meaningful on the last block.
		m.Options.Remove(message.Observe)
	}
	m.Payload = payload
	t.LastUsed = now
	_, err := e.send(s, m, now, &xmitCtx{kind: kindRequest})
	return err
}

// continueBlock1 consumes a response to a Block1 request. It reports true
// when the response only moved the transfer along.
func (e *Engine) continueBlock1(s *session.Session, m *message.Message, now clock.Tick) bool {
	xk := block.Block1Key(s.Key, m.Token)
	t, ok := e.blocks.Transmit(xk)
	if !ok {
		return false
	}
	if m.Code != message.Continue {
		e.blocks.RemoveTransmit(xk)
		result := "complete"
		if message.CodeClass(m.Code) != 2 {
			result = "failed"
		}
		e.metrics.BlockTransfer("block1", result)
		return false
	}
	b1, has, err := m.Options.Block(message.Block1)
	if !has || err != nil {
		e.logger.Debug("continue without block option",
			slog.String("session", s.ID),
			slog.String("path", t.Skeleton.Options.Path()))
		e.failRequest(s, t.Skeleton, mcoaperrors.NackNotDeliverable)
		return true
	}
	if !t.Ack(b1.Num, b1.SZX, now) || t.Done() {
		return true
	}
	if err := e.sendBlock1(s, t, now); err != nil {
		e.failRequest(s, t.Skeleton, nackReason(err))
	}
	return true
}

// receiveBlock2 collects one block of a response. It returns the response
// carrying the whole body once complete.
func (e *Engine) receiveBlock2(s *session.Session, ex *exchange, m *message.Message, now clock.Tick) (*message.Message, bool) {
	b2, has, err := m.Options.Block(message.Block2)
	if !has || err != nil || (b2.Num == 0 && !b2.More) {
		return m, true
	}
	ck := block.CrcvKey{Session: s.Key, Token: string(m.Token)}
	r, ok := e.blocks.ClientReceive(ck)
	if !ok || b2.Num == 0 {
		r = block.NewClientReceive(ex.request, e.cfg.MaxBodySize, now)
		e.blocks.PutClientReceive(ck, r)
	}
	path := ex.request.Options.Path()
	res, restarted, err := r.Add(m, b2, now)
	if restarted {
		e.event(s, handler.Event{
			Kind:  handler.EventPartialBlock,
			Path:  path,
			Token: m.Token,
			Err:   &mcoaperrors.BlockError{Reason: mcoaperrors.BlockStale, Path: path, Detail: "etag changed"},
		})
	}
	if err != nil {
		e.blocks.RemoveClientReceive(ck)
		e.metrics.BlockTransfer("block2", "failed")
		e.event(s, handler.Event{Kind: handler.EventPartialBlock, Path: path, Token: m.Token, Err: err})
		if !ex.observe {
			e.failRequest(s, ex.request, mcoaperrors.NackNotDeliverable)
		}
		return nil, false
	}
	switch res {
	case block.Complete:
		e.blocks.RemoveClientReceive(ck)
		e.metrics.BlockTransfer("block2", "complete")
		full := m.Clone()
		full.Payload = r.Body
		full.Options.Remove(message.Block2)
		full.Options.Remove(message.Size2)
		if r.HasObserve {
			full.Options.SetUint(message.Observe, r.Observe)
		}
		return full, true
	case block.Partial:
		next := r.NextNum(b2.SZX)
		if restarted {
			next = 0
		}
		if err := e.requestBlock2(s, r, next, b2.SZX, now); err != nil {
			e.failBlockFetch(s, ex.request, nackReason(err))
		}
	}
	return nil, false
}

// requestBlock2 asks for block num of a response being reassembled.
func (e *Engine) requestBlock2(s *session.Session, r *block.ClientReceive, num uint32, szx uint8, now clock.Tick) error {
	req := r.Request.Clone()
	req.Options.Remove(message.Observe)
	req.Options.Remove(message.Block1)
	req.Options.Remove(message.Size1)
	if req.Code != message.FETCH {
		req.Payload = nil
	}
	req.Options.SetBlock(message.Block2, message.Block{Num: num, SZX: szx})
	if !s.Reliable() {
		req.MessageID = s.NextMessageID()
		if req.Type != message.NonConfirmable {
			req.Type = message.Confirmable
		}
	}
	_, err := e.send(s, req, now, &xmitCtx{kind: kindRequest, blockFetch: true})
	return err
}
