// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"encoding/binary"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/cespare/xxhash/v2"
)

// DefaultIdleTimeout matches EXCHANGE_LIFETIME with default parameters.
const DefaultIdleTimeout = 247 * time.Second

// Key is a message digest.
type Key uint64

// Entry is a cached exchange.
type Entry struct {
	Key     Key
	Session *session.Session
	Request *message.Message
	// Response is the recorded answer, nil while it is still pending.
	Response *message.Message
	// Data is the encoded Response, resent verbatim to duplicates.
	Data []byte
	// IdleTimeout overrides the cache default when set.
	IdleTimeout time.Duration
	Deadline    clock.Tick

	appData any
	release func(any)
}

// SetAppData attaches application data released when the entry goes.
func (e *Entry) SetAppData(data any, release func(any)) {
	e.appData = data
	e.release = release
}

// AppData returns the attached application data.
func (e *Entry) AppData() any {
	return e.appData
}

func (e *Entry) drop() {
	if e.release != nil {
		rel := e.release
		e.release = nil
		rel(e.appData)
	}
}

// Cache maps message digests to exchanges. It is not safe for concurrent
// use.
type Cache struct {
	entries map[Key]*Entry
	ignore  map[message.OptionID]struct{}
	idle    time.Duration
}

// New returns a cache whose entries expire after idle without use. The
// listed options are left out of digests.
func New(idle time.Duration, ignore ...message.OptionID) *Cache {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	c := &Cache{
		entries: make(map[Key]*Entry),
		ignore:  make(map[message.OptionID]struct{}),
		idle:    idle,
	}
	c.Ignore(ignore...)
	return c
}

// Ignore adds options to the digest ignore list.
func (c *Cache) Ignore(ids ...message.OptionID) {
	for _, id := range ids {
		c.ignore[id] = struct{}{}
	}
}

// DeriveKey digests m: message id, code, token, options not on the ignore
// list and payload. With sessionBased the session key is included, so
// equal messages from different peers get different keys.
func (c *Cache) DeriveKey(s *session.Session, m *message.Message, sessionBased bool) Key {
	d := xxhash.New()
	var buf [8]byte
	if sessionBased && s != nil {
		_, _ = d.WriteString(s.Key.String())
	}
	binary.BigEndian.PutUint16(buf[:2], m.MessageID)
	buf[2] = byte(m.Code)
	buf[3] = byte(len(m.Token))
	_, _ = d.Write(buf[:4])
	_, _ = d.Write(m.Token)
	for _, o := range m.Options {
		if _, skip := c.ignore[o.ID]; skip {
			continue
		}
		binary.BigEndian.PutUint16(buf[:2], uint16(o.ID))
		binary.BigEndian.PutUint32(buf[2:6], uint32(len(o.Value)))
		_, _ = d.Write(buf[:6])
		_, _ = d.Write(o.Value)
	}
	_, _ = d.Write([]byte{message.PayloadMarker})
	_, _ = d.Write(m.Payload)
	return Key(d.Sum64())
}

// Insert stores e, replacing and releasing any entry under the same key.
func (c *Cache) Insert(e *Entry, now clock.Tick) {
	if old, ok := c.entries[e.Key]; ok && old != e {
		old.drop()
	}
	c.entries[e.Key] = e
	c.Touch(e, now)
}

// Lookup returns the entry stored under k.
func (c *Cache) Lookup(k Key) (*Entry, bool) {
	e, ok := c.entries[k]
	return e, ok
}

// Remove drops and releases the entry stored under k.
func (c *Cache) Remove(k Key) (*Entry, bool) {
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	delete(c.entries, k)
	e.drop()
	return e, true
}

// Touch pushes the idle deadline of e out from now.
func (c *Cache) Touch(e *Entry, now clock.Tick) {
	idle := c.idle
	if e.IdleTimeout > 0 {
		idle = e.IdleTimeout
	}
	e.Deadline = now.Add(idle)
}

// Expire drops every entry whose deadline is at or before now.
func (c *Cache) Expire(now clock.Tick) []*Entry {
	var out []*Entry
	for k, e := range c.entries {
		if now >= e.Deadline {
			delete(c.entries, k)
			e.drop()
			out = append(out, e)
		}
	}
	return out
}

// RemoveSession drops every entry of a session.
func (c *Cache) RemoveSession(k session.Key) {
	for key, e := range c.entries {
		if e.Session != nil && e.Session.Key == k {
			delete(c.entries, key)
			e.drop()
		}
	}
}

// Next returns the earliest deadline.
func (c *Cache) Next() (clock.Tick, bool) {
	next, ok := clock.Never, false
	for _, e := range c.entries {
		if e.Deadline < next {
			next, ok = e.Deadline, true
		}
	}
	return next, ok
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
