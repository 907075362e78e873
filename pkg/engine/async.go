// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"fmt"

	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
)

// CompleteAsync sends the response to a request whose handler called
// Response.Separate. key is the Request.AsyncKey seen by that handler.
func (e *Engine) CompleteAsync(key uint64, build func(w *resource.Response), now clock.Tick) error {
	e.now = now
	en, ok := e.cache.Lookup(cache.Key(key))
	if !ok || en.Response != nil {
		return fmt.Errorf("async exchange %x: %w", key, mcoaperrors.ErrNotFound)
	}
	s := en.Session
	if cur, ok := e.sessions.Get(s.Key); !ok || cur != s {
		e.cache.Remove(en.Key)
		return fmt.Errorf("async exchange %x: %w", key, mcoaperrors.ErrSessionNotFound)
	}
	req := en.Request

	w := &resource.Response{}
	build(w)
	code := w.Code
	if code == 0 {
		code = resource.DefaultCode(req.Code)
	}
	resp := &message.Message{Code: code, Token: bytes.Clone(req.Token), Options: w.Options}
	if !s.Reliable() {
		resp.MessageID = s.NextMessageID()
		resp.Type = message.NonConfirmable
		if req.Type == message.Confirmable {
			resp.Type = message.Confirmable
		}
	}
	if res, ok := e.registry.Lookup(req.Options.Path()); ok {
		e.observeRequest(s, req, res, resp, now)
	}
	if s.Reliable() {
		e.cache.Remove(en.Key)
	}
	rel, app := w.Release()
	e.respond(s, req, en.Key, resp, w.Payload, rel, app, now)
	return nil
}
