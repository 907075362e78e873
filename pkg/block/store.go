// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"slices"
	"strings"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// DefaultIdleTimeout is how long a transfer may sit untouched.
const DefaultIdleTimeout = 60 * time.Second

// XmitKey identifies an outbound transfer. Ref is the request token for
// Block1 transfers and the path and query for Block2 transfers.
type XmitKey struct {
	Session session.Key
	Option  message.OptionID
	Ref     string
}

// RecvKey identifies a server-side reassembly.
type RecvKey struct {
	Session    session.Key
	Path       string
	RequestTag string
}

// CrcvKey identifies a client-side reassembly by application token.
type CrcvKey struct {
	Session session.Key
	Token   string
}

// Block1Key returns the key of a request body sent with token.
func Block1Key(k session.Key, token []byte) XmitKey {
	return XmitKey{Session: k, Option: message.Block1, Ref: string(token)}
}

// Block2Key returns the key of a response body served for path and query.
func Block2Key(k session.Key, path string, queries []string) XmitKey {
	return XmitKey{Session: k, Option: message.Block2, Ref: path + "?" + strings.Join(queries, "&")}
}

// Expired lists transfers dropped by Store.Expire.
type Expired struct {
	Transmits map[XmitKey]*Transmit
	Server    map[RecvKey]*ServerReceive
	Client    map[CrcvKey]*ClientReceive
}

// Store holds every blockwise transfer in flight. It is not safe for
// concurrent use.
type Store struct {
	xmit map[XmitKey]*Transmit
	srcv map[RecvKey]*ServerReceive
	crcv map[CrcvKey]*ClientReceive
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		xmit: make(map[XmitKey]*Transmit),
		srcv: make(map[RecvKey]*ServerReceive),
		crcv: make(map[CrcvKey]*ClientReceive),
	}
}

// PutTransmit stores t, releasing any transfer it replaces.
func (s *Store) PutTransmit(k XmitKey, t *Transmit) {
	if old, ok := s.xmit[k]; ok && old != t {
		old.Release()
	}
	s.xmit[k] = t
}

// Transmit looks up an outbound transfer.
func (s *Store) Transmit(k XmitKey) (*Transmit, bool) {
	t, ok := s.xmit[k]
	return t, ok
}

// RemoveTransmit drops and releases an outbound transfer.
func (s *Store) RemoveTransmit(k XmitKey) (*Transmit, bool) {
	t, ok := s.xmit[k]
	if !ok {
		return nil, false
	}
	delete(s.xmit, k)
	t.Release()
	return t, true
}

// ServerReceive returns the reassembly for k, creating it when create is set.
func (s *Store) ServerReceive(k RecvKey, create func() *ServerReceive) (*ServerReceive, bool) {
	r, ok := s.srcv[k]
	if ok || create == nil {
		return r, ok
	}
	r = create()
	s.srcv[k] = r
	return r, true
}

// RemoveServerReceive drops a server-side reassembly.
func (s *Store) RemoveServerReceive(k RecvKey) {
	delete(s.srcv, k)
}

// PutClientReceive stores a client-side reassembly.
func (s *Store) PutClientReceive(k CrcvKey, r *ClientReceive) {
	s.crcv[k] = r
}

// ClientReceive looks up a client-side reassembly.
func (s *Store) ClientReceive(k CrcvKey) (*ClientReceive, bool) {
	r, ok := s.crcv[k]
	return r, ok
}

// RemoveClientReceive drops a client-side reassembly.
func (s *Store) RemoveClientReceive(k CrcvKey) {
	delete(s.crcv, k)
}

// Expire drops transfers idle for at least idle and releases their bodies.
func (s *Store) Expire(now clock.Tick, idle time.Duration) Expired {
	out := Expired{
		Transmits: make(map[XmitKey]*Transmit),
		Server:    make(map[RecvKey]*ServerReceive),
		Client:    make(map[CrcvKey]*ClientReceive),
	}
	limit := clock.FromDuration(idle)
	for k, t := range s.xmit {
		if now-t.LastUsed >= limit {
			delete(s.xmit, k)
			t.Release()
			out.Transmits[k] = t
		}
	}
	for k, r := range s.srcv {
		if now-r.LastUsed >= limit {
			delete(s.srcv, k)
			out.Server[k] = r
		}
	}
	for k, r := range s.crcv {
		if now-r.LastUsed >= limit {
			delete(s.crcv, k)
			out.Client[k] = r
		}
	}
	return out
}

// RemoveSession drops every transfer of a session.
func (s *Store) RemoveSession(k session.Key) {
	for xk, t := range s.xmit {
		if xk.Session == k {
			delete(s.xmit, xk)
			t.Release()
		}
	}
	for rk := range s.srcv {
		if rk.Session == k {
			delete(s.srcv, rk)
		}
	}
	for ck := range s.crcv {
		if ck.Session == k {
			delete(s.crcv, ck)
		}
	}
}

// Next returns the earliest tick at which a transfer could expire.
func (s *Store) Next(idle time.Duration) (clock.Tick, bool) {
	ticks := make([]clock.Tick, 0, len(s.xmit)+len(s.srcv)+len(s.crcv))
	for _, t := range s.xmit {
		ticks = append(ticks, t.LastUsed)
	}
	for _, r := range s.srcv {
		ticks = append(ticks, r.LastUsed)
	}
	for _, r := range s.crcv {
		ticks = append(ticks, r.LastUsed)
	}
	if len(ticks) == 0 {
		return clock.Never, false
	}
	return slices.Min(ticks) + clock.FromDuration(idle), true
}

// Len returns the number of transfers held, by kind.
func (s *Store) Len() (transmits, server, client int) {
	return len(s.xmit), len(s.srcv), len(s.crcv)
}
