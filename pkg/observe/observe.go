// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"bytes"
	"log/slog"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/session"
)

const (
	// DefaultMaxNon is the number of non-confirmable notifications sent
	// before a confirmable one checks the subscriber is still there.
	DefaultMaxNon = 5
	// DefaultMaxFail is the number of consecutive failed confirmable
	// notifications that end a subscription.
	DefaultMaxFail = 3
)

// Policy bounds notification confirmability and failure tolerance.
type Policy struct {
	MaxNon  int
	MaxFail int
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{MaxNon: DefaultMaxNon, MaxFail: DefaultMaxFail}
}

// Subscription is one observer of one resource.
type Subscription struct {
	Session *session.Session
	Token   []byte
	Path    string
	// Request is replayed to the GET handler to build each notification.
	Request   *message.Message
	NonCount  int
	FailCount int
	Created   clock.Tick
	// Notified is the tick of the last notification sent.
	Notified clock.Tick
	// LastMID is the message id of the last notification, matched against
	// a Reset from the observer.
	LastMID uint16

	sent bool
}

type subKey struct {
	session session.Key
	token   string
}

// Manager holds subscriptions per path in registration order. It is not
// safe for concurrent use.
type Manager struct {
	policy Policy
	byPath map[string][]*Subscription
	byKey  map[subKey]*Subscription
	logger *slog.Logger
}

// NewManager returns a manager applying p. Zero fields of p take defaults.
func NewManager(p Policy, logger *slog.Logger) *Manager {
	if p.MaxNon <= 0 {
		p.MaxNon = DefaultMaxNon
	}
	if p.MaxFail <= 0 {
		p.MaxFail = DefaultMaxFail
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policy: p,
		byPath: make(map[string][]*Subscription),
		byKey:  make(map[subKey]*Subscription),
		logger: logger,
	}
}

// Policy returns the active policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Add registers or refreshes the subscription identified by the request's
// session and token.
func (m *Manager) Add(s *session.Session, path string, req *message.Message, now clock.Tick) (sub *Subscription, created bool) {
	k := subKey{session: s.Key, token: string(req.Token)}
	if sub, ok := m.byKey[k]; ok {
		if sub.Path != path {
			m.detach(sub)
			sub.Path = path
			m.byPath[path] = append(m.byPath[path], sub)
		}
		sub.Request = req.Clone()
		sub.FailCount = 0
		return sub, false
	}
	sub = &Subscription{
		Session: s,
		Token:   bytes.Clone(req.Token),
		Path:    path,
		Request: req.Clone(),
		Created: now,
	}
	m.byKey[k] = sub
	m.byPath[path] = append(m.byPath[path], sub)
	m.logger.Debug("Observer added",
		slog.String("session", s.ID),
		slog.String("path", path),
		slog.Int("observers", len(m.byPath[path])))
	return sub, true
}

// Find returns the subscription for a session and token.
func (m *Manager) Find(k session.Key, token []byte) (*Subscription, bool) {
	sub, ok := m.byKey[subKey{session: k, token: string(token)}]
	return sub, ok
}

// FindByMID returns the subscription whose last notification carried mid.
func (m *Manager) FindByMID(k session.Key, mid uint16) (*Subscription, bool) {
	for key, sub := range m.byKey {
		if key.session == k && sub.sent && sub.LastMID == mid {
			return sub, true
		}
	}
	return nil, false
}

// Remove drops the subscription for a session and token.
func (m *Manager) Remove(k session.Key, token []byte) (*Subscription, bool) {
	sub, ok := m.byKey[subKey{session: k, token: string(token)}]
	if !ok {
		return nil, false
	}
	m.remove(sub)
	return sub, true
}

// RemoveSession drops every subscription of a session.
func (m *Manager) RemoveSession(k session.Key) []*Subscription {
	var out []*Subscription
	for key, sub := range m.byKey {
		if key.session == k {
			out = append(out, sub)
		}
	}
	for _, sub := range out {
		m.remove(sub)
	}
	return out
}

// RemovePath drops every subscription of a path.
func (m *Manager) RemovePath(path string) []*Subscription {
	out := m.byPath[path]
	for _, sub := range out {
		delete(m.byKey, subKey{session: sub.Session.Key, token: string(sub.Token)})
	}
	delete(m.byPath, path)
	return out
}

func (m *Manager) remove(sub *Subscription) {
	delete(m.byKey, subKey{session: sub.Session.Key, token: string(sub.Token)})
	m.detach(sub)
	m.logger.Debug("Observer removed",
		slog.String("session", sub.Session.ID),
		slog.String("path", sub.Path))
}

func (m *Manager) detach(sub *Subscription) {
	list := m.byPath[sub.Path]
	for i, s := range list {
		if s == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.byPath, sub.Path)
		return
	}
	m.byPath[sub.Path] = list
}

// Subscribers returns a snapshot of the subscriptions of path.
func (m *Manager) Subscribers(path string) []*Subscription {
	list := m.byPath[path]
	out := make([]*Subscription, len(list))
	copy(out, list)
	return out
}

// Count returns the number of subscriptions of path.
func (m *Manager) Count(path string) int {
	return len(m.byPath[path])
}

// Has reports whether the session observes anything.
func (m *Manager) Has(k session.Key) bool {
	for key := range m.byKey {
		if key.session == k {
			return true
		}
	}
	return false
}

// Len returns the total number of subscriptions.
func (m *Manager) Len() int {
	return len(m.byKey)
}

// NextType picks the type of the next notification to sub. Notifications
// are non-confirmable until MaxNon of them went out in a row; the next one
// is confirmable and restarts the count. A subscriber with an unconfirmed
// failure, or a resource in NotifyCON mode, always gets confirmable ones.
func (m *Manager) NextType(sub *Subscription, mode resource.NotifyMode) message.Type {
	if mode == resource.NotifyCON || sub.FailCount > 0 || sub.NonCount >= m.policy.MaxNon {
		sub.NonCount = 0
		return message.Confirmable
	}
	sub.NonCount++
	return message.NonConfirmable
}

// Sent records a notification sent to sub with message id mid.
func (m *Manager) Sent(sub *Subscription, mid uint16, now clock.Tick) {
	sub.LastMID = mid
	sub.Notified = now
	sub.sent = true
}

// Sent reports whether any notification went to sub yet.
func (sub *Subscription) Sent() bool {
	return sub.sent
}

// Acked records a delivered confirmable notification.
func (m *Manager) Acked(sub *Subscription) {
	sub.FailCount = 0
}

// Failed records a confirmable notification that was never acknowledged.
// It reports whether the subscription was removed as a result.
func (m *Manager) Failed(sub *Subscription) bool {
	sub.FailCount++
	if sub.FailCount < m.policy.MaxFail {
		return false
	}
	if cur, ok := m.byKey[subKey{session: sub.Session.Key, token: string(sub.Token)}]; ok && cur == sub {
		m.remove(sub)
	}
	return true
}
