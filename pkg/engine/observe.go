// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/retransmit"
	"github.com/absmach/mcoap/pkg/session"
)

// observeRequest registers, refreshes or cancels the subscription named by
// a GET or FETCH request and stamps resp with the sequence number.
func (e *Engine) observeRequest(s *session.Session, m *message.Message, res *resource.Resource, resp *message.Message, now clock.Tick) {
	if m.Code != message.GET && m.Code != message.FETCH {
		return
	}
	obs, ok := m.Options.Observe()
	switch {
	case ok && obs == 0:
		if res == nil || !res.Observable || message.CodeClass(resp.Code) != 2 {
			return
		}
		e.observers.Add(s, res.Path, m, now)
		resp.Options.SetUint(message.Observe, res.Seq())
		e.metrics.SetObservers(e.observers.Len())
	case ok && obs == 1:
		if sub, found := e.observers.Find(s.Key, m.Token); found {
			e.cancelObservation(s, sub)
		}
	case !ok:
		// A plain request reusing the token ends the observation, except
		// when it only fetches a later block of a notification.
		if b2, has, _ := m.Options.Block(message.Block2); has && b2.Num > 0 {
			return
		}
		if sub, found := e.observers.Find(s.Key, m.Token); found {
			e.cancelObservation(s, sub)
		}
	}
}

// Notify reports a change of the resource at path: its sequence number is
// incremented and every observer gets a notification built by the GET
// handler.
func (e *Engine) Notify(path string, now clock.Tick) error {
	e.now = now
	res, ok := e.registry.Lookup(path)
	if !ok {
		return fmt.Errorf("notify %s: %w", path, mcoaperrors.ErrNotFound)
	}
	if !res.Observable {
		return fmt.Errorf("notify %s: resource is not observable", path)
	}
	seq := res.NextSeq()
	subs := e.observers.Subscribers(res.Path)
	for _, sub := range subs {
		e.notify(res, sub, now)
	}
	e.metrics.SetObservers(e.observers.Len())
	e.logger.Debug("resource changed",
		slog.String("path", res.Path),
		slog.Int("seq", int(seq)),
		slog.Int("observers", len(subs)))
	return nil
}

func (e *Engine) notify(res *resource.Resource, sub *observe.Subscription, now clock.Tick) {
	s := sub.Session
	if cur, ok := e.sessions.Get(s.Key); !ok || cur != s {
		e.observers.Remove(s.Key, sub.Token)
		return
	}
	h, err := res.Dispatch(sub.Request.Code)
	if err != nil {
		e.cancelObservation(s, sub)
		return
	}
	w := &resource.Response{}
	h(w, &resource.Request{
		Resource:     res,
		Session:      s,
		Message:      sub.Request,
		Query:        sub.Request.Options.Queries(),
		Notification: true,
	})
	code := w.Code
	if code == 0 {
		code = message.Content
	}
	m := &message.Message{Code: code, Token: bytes.Clone(sub.Token), Options: w.Options}
	// At most one confirmable notification is outstanding per observer. A
	// change while one is unacknowledged replaces it.
	prev, pending := e.pendingNotification(sub)
	if !s.Reliable() {
		m.Type = message.Confirmable
		if !pending {
			m.Type = e.observers.NextType(sub, res.Notify)
		}
		m.MessageID = s.NextMessageID()
	}
	if message.CodeClass(code) == 2 {
		m.Options.SetUint(message.Observe, res.Seq())
	} else {
		// An error response ends the observation.
		e.observers.Remove(s.Key, sub.Token)
	}

	rel, app := w.Release()
	done, err := e.attachBody(s, sub.Request, m, w.Payload, rel, app, now)
	if err != nil {
		e.logger.Debug("failed to attach notification body",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
		return
	}
	defer done()
	if pending {
		e.queue.Remove(s.Key, prev.Message.MessageID)
	}
	e.observers.Sent(sub, m.MessageID, now)
	if _, err := e.send(s, m, now, &xmitCtx{kind: kindNotification, sub: sub}); err != nil {
		e.logger.Debug("failed to send notification",
			slog.String("session", s.ID),
			slog.String("path", sub.Path),
			slog.String("error", err.Error()))
		if m.Type == message.Confirmable && e.observers.Failed(sub) {
			e.event(s, handler.Event{Kind: handler.EventObserveFailed, Path: sub.Path, Token: sub.Token, Err: err})
		}
		return
	}
	if pending {
		e.queue.Inherit(s.Key, m.MessageID, prev, now)
	}
	e.metrics.Notification(typeName(s, m))
}

// pendingNotification returns the queued confirmable notification of sub.
func (e *Engine) pendingNotification(sub *observe.Subscription) (*retransmit.Entry, bool) {
	if sub.Session.Reliable() || !sub.Sent() {
		return nil, false
	}
	en, ok := e.queue.Find(sub.Session.Key, sub.LastMID)
	if !ok {
		return nil, false
	}
	if ctx, _ := en.Context.(*xmitCtx); ctx == nil || ctx.kind != kindNotification || ctx.sub != sub {
		return nil, false
	}
	return en, true
}
