// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"net/netip"
	"testing"

	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(port uint16) *session.Session {
	return &session.Session{
		ID:  "s" + netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port).String(),
		Key: session.Key{Remote: netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port), Proto: session.UDP},
	}
}

func observeReq(token ...byte) *message.Message {
	m := &message.Message{Type: message.Confirmable, Code: message.GET, Token: token}
	m.Options.SetPath("/temp")
	m.Options.SetUint(message.Observe, 0)
	return m
}

func TestNonConPattern(t *testing.T) {
	m := NewManager(DefaultPolicy(), nil)
	sub, created := m.Add(peer(1), "/temp", observeReq(1), 0)
	require.True(t, created)

	var got []message.Type
	for i := 0; i < 12; i++ {
		got = append(got, m.NextType(sub, resource.NotifyNON))
	}
	non, con := message.NonConfirmable, message.Confirmable
	assert.Equal(t, []message.Type{non, non, non, non, non, con, non, non, non, non, non, con}, got)
}

func TestNotifyCONMode(t *testing.T) {
	m := NewManager(DefaultPolicy(), nil)
	sub, _ := m.Add(peer(1), "/temp", observeReq(1), 0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, message.Confirmable, m.NextType(sub, resource.NotifyCON))
	}
}

func TestFailuresRemoveAfterMaxFail(t *testing.T) {
	m := NewManager(Policy{MaxNon: 5, MaxFail: 3}, nil)
	s := peer(1)
	sub, _ := m.Add(s, "/temp", observeReq(1), 0)

	assert.False(t, m.Failed(sub))
	assert.Equal(t, message.Confirmable, m.NextType(sub, resource.NotifyNON), "confirmable while failing")
	assert.False(t, m.Failed(sub))
	assert.Equal(t, 1, m.Count("/temp"))
	assert.True(t, m.Failed(sub))
	assert.Equal(t, 0, m.Count("/temp"))
	_, ok := m.Find(s.Key, []byte{1})
	assert.False(t, ok)
}

func TestAckResetsFailures(t *testing.T) {
	m := NewManager(DefaultPolicy(), nil)
	sub, _ := m.Add(peer(1), "/temp", observeReq(1), 0)
	m.Failed(sub)
	m.Failed(sub)
	m.Acked(sub)
	assert.False(t, m.Failed(sub))
	assert.Equal(t, 1, m.Len())
}

func TestRefreshAndRemove(t *testing.T) {
	m := NewManager(DefaultPolicy(), nil)
	a, b := peer(1), peer(2)
	first, _ := m.Add(a, "/temp", observeReq(1), 0)
	again, created := m.Add(a, "/temp", observeReq(1), 5)
	assert.False(t, created)
	assert.Same(t, first, again)

	m.Add(a, "/temp", observeReq(2), 0)
	m.Add(b, "/temp", observeReq(1), 0)
	m.Add(b, "/hum", observeReq(3), 0)
	assert.Equal(t, 3, m.Count("/temp"))
	assert.Equal(t, 4, m.Len())

	subs := m.Subscribers("/temp")
	require.Len(t, subs, 3)
	assert.Same(t, first, subs[0])

	_, ok := m.Remove(a.Key, []byte{2})
	assert.True(t, ok)
	assert.Len(t, m.RemoveSession(b.Key), 2)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, m.Count("/hum"))
	assert.Len(t, m.RemovePath("/temp"), 1)
	assert.Equal(t, 0, m.Len())
}

func TestFindByMID(t *testing.T) {
	m := NewManager(DefaultPolicy(), nil)
	s := peer(1)
	sub, _ := m.Add(s, "/temp", observeReq(1), 0)
	_, ok := m.FindByMID(s.Key, 0)
	assert.False(t, ok, "no notification sent yet")

	m.Sent(sub, 77, 0)
	got, ok := m.FindByMID(s.Key, 77)
	require.True(t, ok)
	assert.Same(t, sub, got)
	_, ok = m.FindByMID(peer(2).Key, 77)
	assert.False(t, ok)
}
