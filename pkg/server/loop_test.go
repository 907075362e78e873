// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = session.Key{Remote: netip.MustParseAddrPort("198.51.100.7:41000"), Proto: session.UDP}

type chanSender struct {
	ch chan engine.Packet
}

func (c *chanSender) Send(k session.Key, data []byte) (int, error) {
	c.ch <- engine.Packet{Key: k, Data: bytes.Clone(data)}
	return len(data), nil
}

func (c *chanSender) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case pkt := <-c.ch:
		m, err := message.Decode(pkt.Data, message.Datagram)
		require.NoError(t, err)
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no packet sent")
		return nil
	}
}

func startLoop(t *testing.T, clk clockwork.Clock) (*Loop, *engine.Engine, *chanSender, func()) {
	t.Helper()
	mux := NewMux(0)
	eng := engine.New(engine.DefaultConfig(), nil, mux)
	_, err := eng.Resources().Register("/hello", resource.Funcs{
		Get: func(w *resource.Response, r *resource.Request) {
			_, _ = w.Write([]byte("world"))
		},
	}, resource.WithObservable())
	require.NoError(t, err)

	loop := NewLoop(Config{Clock: clk}, eng, mux)
	out := &chanSender{ch: make(chan engine.Packet, 16)}
	loop.Handle(session.UDP, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	stop := func() {
		cancel()
		require.NoError(t, <-done)
	}
	return loop, eng, out, stop
}

func TestLoopServesRequests(t *testing.T) {
	loop, _, out, stop := startLoop(t, clockwork.NewFakeClock())

	req := &message.Message{Type: message.Confirmable, Code: message.GET, MessageID: 11, Token: []byte{1}}
	req.Options.SetPath("/hello")
	req.Options.SetUint(message.Observe, 0)
	data, err := message.Encode(req, message.Datagram)
	require.NoError(t, err)
	require.NoError(t, loop.Deliver(context.Background(), engine.Packet{Key: peer, Data: data}))

	resp := out.next(t)
	assert.Equal(t, message.Acknowledgement, resp.Type)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, "world", string(resp.Payload))

	err = loop.Do(context.Background(), func(e *engine.Engine, now clock.Tick) {
		assert.NoError(t, e.Notify("/hello", now))
	})
	require.NoError(t, err)
	n := out.next(t)
	assert.Equal(t, message.NonConfirmable, n.Type)
	seq, ok := n.Options.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(1), seq)

	stop()
	err = loop.Do(context.Background(), func(*engine.Engine, clock.Tick) {})
	assert.ErrorIs(t, err, ErrLoopClosed)
	assert.ErrorIs(t, loop.Deliver(context.Background(), engine.Packet{Key: peer, Data: data}), ErrLoopClosed)
}

func TestLoopFiresTimers(t *testing.T) {
	clk := clockwork.NewFakeClock()
	loop, _, out, stop := startLoop(t, clk)
	defer stop()

	ctx := context.Background()
	var pingErr error
	err := loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
		s, err := e.NewClientSession(peer, now)
		if err != nil {
			pingErr = err
			return
		}
		pingErr = e.Ping(s, now)
	})
	require.NoError(t, err)
	require.NoError(t, pingErr)
	first := out.next(t)
	assert.Equal(t, message.Confirmable, first.Type)
	assert.True(t, first.IsEmpty())

	// Wait for the loop to re-arm its timer.
	require.NoError(t, loop.Do(ctx, func(*engine.Engine, clock.Tick) {}))
	clk.Advance(3 * time.Second)

	again := out.next(t)
	assert.Equal(t, first.MessageID, again.MessageID)

	var pending int
	require.NoError(t, loop.Do(ctx, func(e *engine.Engine, _ clock.Tick) { pending = e.Pending() }))
	assert.Equal(t, 1, pending)
}

func TestMux(t *testing.T) {
	mux := NewMux(1)
	s := &session.Session{Key: peer}

	_, err := mux.Send(s, []byte{1})
	assert.ErrorIs(t, err, ErrNoSender)

	var got []byte
	mux.Handle(session.UDP, SenderFunc(func(k session.Key, data []byte) (int, error) {
		got = data
		return len(data), nil
	}))
	n, err := mux.Send(s, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{1, 2}, got)

	mux.Remove(session.UDP)
	_, err = mux.Send(s, []byte{1})
	assert.ErrorIs(t, err, ErrNoSender)

	_, ok := mux.Recv()
	assert.False(t, ok)

	loop := NewLoop(Config{}, engine.New(engine.DefaultConfig(), nil, mux), mux)
	require.NoError(t, loop.TryDeliver(engine.Packet{Key: peer}))
	assert.ErrorIs(t, loop.TryDeliver(engine.Packet{Key: peer}), ErrQueueFull)
	pkt, ok := mux.Recv()
	assert.True(t, ok)
	assert.Equal(t, peer, pkt.Key)
}
