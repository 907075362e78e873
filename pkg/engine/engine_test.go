// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"math/rand/v2"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverAddr = netip.MustParseAddrPort("192.0.2.1:5683")
	clientAddr = netip.MustParseAddrPort("192.0.2.2:40000")
)

// pipe is an in-memory transport recording every packet sent.
type pipe struct {
	out   []Packet
	inbox []Packet
	fail  error
}

func (p *pipe) Send(s *session.Session, data []byte) (int, error) {
	if p.fail != nil {
		return 0, p.fail
	}
	p.out = append(p.out, Packet{Key: s.Key, Data: bytes.Clone(data)})
	return len(data), nil
}

func (p *pipe) Recv() (Packet, bool) {
	if len(p.inbox) == 0 {
		return Packet{}, false
	}
	pkt := p.inbox[0]
	p.inbox = p.inbox[1:]
	return pkt, true
}

func (p *pipe) drain() []Packet {
	out := p.out
	p.out = nil
	return out
}

func (p *pipe) messages(t *testing.T, tr message.Transport) []*message.Message {
	t.Helper()
	var out []*message.Message
	for _, pkt := range p.drain() {
		m, err := message.Decode(pkt.Data, tr)
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

// recorder captures handler callbacks.
type recorder struct {
	handler.NoopHandler
	events    []handler.Event
	requests  []*message.Message
	responses []*message.Message
	nacks     []mcoaperrors.NackReason
	pings     int
	pongs     int
}

func (r *recorder) OnResponse(_ *handler.Context, req, resp *message.Message) error {
	r.requests = append(r.requests, req)
	r.responses = append(r.responses, resp)
	return nil
}

func (r *recorder) OnNack(_ *handler.Context, _ *message.Message, reason mcoaperrors.NackReason) error {
	r.nacks = append(r.nacks, reason)
	return nil
}

func (r *recorder) OnPing(*handler.Context) error {
	r.pings++
	return nil
}

func (r *recorder) OnPong(*handler.Context) error {
	r.pongs++
	return nil
}

func (r *recorder) OnEvent(_ *handler.Context, ev handler.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(kind handler.EventKind) int {
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func testConfig(seed uint64) Config {
	cfg := DefaultConfig()
	cfg.Rand = rand.New(rand.NewPCG(seed, seed+1))
	return cfg
}

func newEngine(cfg Config) (*Engine, *pipe, *recorder) {
	p := &pipe{}
	r := &recorder{}
	return New(cfg, r, p), p, r
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func request(typ message.Type, code message.Code, mid uint16, token []byte, path string) *message.Message {
	m := &message.Message{Type: typ, Code: code, MessageID: mid, Token: token}
	m.Options.SetPath(path)
	return m
}

// inject feeds m to e as if sent by the client peer.
func inject(t *testing.T, e *Engine, proto session.Protocol, m *message.Message, now clock.Tick) {
	t.Helper()
	data, err := message.Encode(m, proto.Transport())
	require.NoError(t, err)
	e.HandlePacket(Packet{Key: session.Key{Remote: clientAddr, Proto: proto}, Data: data}, now)
}

// settle advances e until nothing awaits an acknowledgement.
func settle(e *Engine, now clock.Tick) clock.Tick {
	for i := 0; e.Pending() > 0 && i < 10000; i++ {
		d := clock.FromDuration(e.Advance(now))
		if d <= 0 {
			d = 1
		}
		now += d
	}
	return now
}

// network connects a client engine and a server engine over pipes.
type network struct {
	server, client   *Engine
	sp, cp           *pipe
	srec, crec       *recorder
	clientToServer   int
	lastClientBlock1 message.Block
}

func newNetwork(t *testing.T, scfg, ccfg Config) (*network, *session.Session) {
	t.Helper()
	n := &network{}
	n.server, n.sp, n.srec = newEngine(scfg)
	n.client, n.cp, n.crec = newEngine(ccfg)
	s, err := n.client.NewClientSession(session.Key{Remote: serverAddr, Proto: session.UDP}, 0)
	require.NoError(t, err)
	return n, s
}

func (n *network) pump(t *testing.T, now clock.Tick) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		moved := false
		for _, pkt := range n.cp.drain() {
			if m, err := message.Decode(pkt.Data, message.Datagram); err == nil {
				if b, ok, _ := m.Options.Block(message.Block1); ok {
					n.lastClientBlock1 = b
				}
			}
			n.clientToServer++
			n.server.HandlePacket(Packet{Key: session.Key{Remote: clientAddr, Proto: session.UDP}, Data: pkt.Data}, now)
			moved = true
		}
		for _, pkt := range n.sp.drain() {
			n.client.HandlePacket(Packet{Key: session.Key{Remote: serverAddr, Proto: session.UDP}, Data: pkt.Data}, now)
			moved = true
		}
		if !moved {
			return
		}
	}
	t.Fatal("network did not settle")
}

func registerTemp(t *testing.T, e *Engine, value *string) {
	t.Helper()
	_, err := e.Resources().Register("/temp", resource.Funcs{
		Get: func(w *resource.Response, r *resource.Request) {
			w.SetContentFormat(message.TextPlain)
			_, _ = w.Write([]byte(*value))
		},
	}, resource.WithObservable())
	require.NoError(t, err)
}

func TestObserveScenario(t *testing.T) {
	e, p, rec := newEngine(testConfig(1))
	value := "21.0"
	registerTemp(t, e, &value)

	reg := request(message.Confirmable, message.GET, 100, []byte{0xa1}, "/temp")
	reg.Options.SetUint(message.Observe, 0)
	inject(t, e, session.UDP, reg, 0)

	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Acknowledgement, msgs[0].Type)
	assert.Equal(t, message.Content, msgs[0].Code)
	seq, ok := msgs[0].Options.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, 1, e.Observers().Count("/temp"))

	var types []message.Type
	now := clock.Tick(1000)
	for i := 1; i <= 6; i++ {
		value = strings.Repeat("x", i)
		require.NoError(t, e.Notify("/temp", now))
		msgs := p.messages(t, message.Datagram)
		require.Len(t, msgs, 1)
		n := msgs[0]
		types = append(types, n.Type)
		seq, ok := n.Options.Observe()
		require.True(t, ok)
		assert.Equal(t, uint32(i), seq)
		assert.Equal(t, []byte{0xa1}, n.Token)
		assert.Equal(t, value, string(n.Payload))
	}
	non, con := message.NonConfirmable, message.Confirmable
	assert.Equal(t, []message.Type{non, non, non, non, non, con}, types)

	// The confirmable notification and the two that follow are never
	// acknowledged.
	for round := 1; round <= 3; round++ {
		if round > 1 {
			require.NoError(t, e.Notify("/temp", now))
		}
		now = settle(e, now)
		sent := p.messages(t, message.Datagram)
		if round == 1 {
			assert.Len(t, sent, 4, "retransmissions of the sixth notification")
		} else {
			require.Len(t, sent, 5)
			assert.Equal(t, message.Confirmable, sent[0].Type, "notifications to a failing observer are confirmable")
		}
		if round < 3 {
			assert.Equal(t, 1, e.Observers().Count("/temp"))
			assert.Zero(t, rec.count(handler.EventObserveFailed))
		}
	}
	assert.Equal(t, 0, e.Observers().Count("/temp"))
	assert.Equal(t, 1, rec.count(handler.EventObserveFailed))

	require.NoError(t, e.Notify("/temp", now))
	assert.Empty(t, p.drain())
}

func TestObservePendingConfirmableReplaced(t *testing.T) {
	e, p, rec := newEngine(testConfig(12))
	value := "0"
	registerTemp(t, e, &value)

	reg := request(message.Confirmable, message.GET, 100, []byte{0xa2}, "/temp")
	reg.Options.SetUint(message.Observe, 0)
	inject(t, e, session.UDP, reg, 0)
	p.drain()

	now := clock.Tick(1000)
	for i := 1; i <= 6; i++ {
		value = strings.Repeat("v", i)
		require.NoError(t, e.Notify("/temp", now))
	}
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 6)
	sixth := msgs[5]
	require.Equal(t, message.Confirmable, sixth.Type)
	require.Equal(t, 1, e.Pending())

	// One retransmission of the sixth notification.
	e.Advance(now + 3000)
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, sixth.MessageID, msgs[0].MessageID)

	now += 3000
	value = "seventh"
	require.NoError(t, e.Notify("/temp", now))
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	seventh := msgs[0]
	assert.Equal(t, message.Confirmable, seventh.Type)
	assert.NotEqual(t, sixth.MessageID, seventh.MessageID)
	assert.Equal(t, "seventh", string(seventh.Payload))
	seq, ok := seventh.Options.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(7), seq)
	assert.Equal(t, 1, e.Pending(), "only one confirmable notification is outstanding")

	// The replacement continues the retry budget of the sixth.
	end := settle(e, now)
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		assert.Equal(t, seventh.MessageID, m.MessageID)
		assert.Equal(t, "seventh", string(m.Payload))
	}
	assert.Equal(t, 1, e.Observers().Count("/temp"))
	assert.Zero(t, rec.count(handler.EventObserveFailed))

	// A change after the acknowledgement of a replacement counts towards
	// the next confirmable one as usual.
	value = "eighth"
	require.NoError(t, e.Notify("/temp", end))
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	require.Equal(t, message.Confirmable, msgs[0].Type, "the failed delivery keeps the observer on CON")
	inject(t, e, session.UDP, &message.Message{Type: message.Acknowledgement, MessageID: sixth.MessageID}, end+1)
	assert.Equal(t, 1, e.Pending(), "an ACK for the replaced message id is ignored")
	inject(t, e, session.UDP, &message.Message{Type: message.Acknowledgement, MessageID: msgs[0].MessageID}, end+1)
	assert.Zero(t, e.Pending())

	value = "ninth"
	require.NoError(t, e.Notify("/temp", end+2))
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.NonConfirmable, msgs[0].Type)
}

func TestObserveResetCancels(t *testing.T) {
	e, p, rec := newEngine(testConfig(2))
	value := "1"
	registerTemp(t, e, &value)

	reg := request(message.Confirmable, message.GET, 1, []byte{7}, "/temp")
	reg.Options.SetUint(message.Observe, 0)
	inject(t, e, session.UDP, reg, 0)
	p.drain()

	require.NoError(t, e.Notify("/temp", 10))
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	require.Equal(t, message.NonConfirmable, msgs[0].Type)

	inject(t, e, session.UDP, &message.Message{Type: message.Reset, MessageID: msgs[0].MessageID}, 20)
	assert.Equal(t, 0, e.Observers().Count("/temp"))
	assert.Equal(t, 1, rec.count(handler.EventObserveCancelled))
}

func TestObserveDeregister(t *testing.T) {
	n, s := newNetwork(t, testConfig(3), testConfig(4))
	value := "20"
	registerTemp(t, n.server, &value)

	req := request(message.Confirmable, message.GET, 0, nil, "/temp")
	req.Options.SetUint(message.Observe, 0)
	token, err := n.client.Send(s, req, 0)
	require.NoError(t, err)
	n.pump(t, 0)
	require.Len(t, n.crec.responses, 1)
	assert.Equal(t, 1, n.server.Observers().Count("/temp"))

	value = "21"
	require.NoError(t, n.server.Notify("/temp", 5))
	n.pump(t, 5)
	require.Len(t, n.crec.responses, 2)
	assert.Equal(t, "21", string(n.crec.responses[1].Payload))
	assert.Equal(t, token, n.crec.responses[1].Token)

	require.NoError(t, n.client.CancelObserve(s, token, 10))
	n.pump(t, 10)
	require.Len(t, n.crec.responses, 3)
	assert.False(t, n.crec.responses[2].Options.Has(message.Observe))
	assert.Equal(t, 0, n.server.Observers().Count("/temp"))
	assert.Equal(t, 1, n.srec.count(handler.EventObserveCancelled))
	assert.Error(t, n.client.CancelObserve(s, token, 11))
}

func TestBlock1Renegotiation(t *testing.T) {
	scfg := testConfig(5)
	scfg.BlockSZX = 2
	n, s := newNetwork(t, scfg, testConfig(6))

	var got []byte
	calls := 0
	_, err := n.server.Resources().Register("/big", resource.Funcs{
		Put: func(w *resource.Response, r *resource.Request) {
			calls++
			got = bytes.Clone(r.Message.Payload)
		},
	})
	require.NoError(t, err)

	data := body(10000)
	req := request(message.Confirmable, message.PUT, 0, nil, "/big")
	req.Payload = data
	_, err = n.client.Send(s, req, 0)
	require.NoError(t, err)
	n.pump(t, 0)

	assert.Equal(t, 1, calls)
	assert.Equal(t, data, got)
	// One 1024 byte block, then 8976 bytes in 64 byte blocks.
	assert.Equal(t, 1+141, n.clientToServer)
	assert.Equal(t, message.Block{Num: 156, More: false, SZX: 2}, n.lastClientBlock1)

	require.Len(t, n.crec.responses, 1)
	resp := n.crec.responses[0]
	assert.Equal(t, message.Changed, resp.Code)
	b1, ok, err := resp.Options.Block(message.Block1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(156), b1.Num)
	assert.Equal(t, data, n.crec.requests[0].Payload)

	x, sr, cr := n.client.blocks.Len()
	assert.Zero(t, x+sr+cr)
	x, sr, cr = n.server.blocks.Len()
	assert.Zero(t, x+sr+cr)
}

func TestBlock1TooLarge(t *testing.T) {
	cfg := testConfig(7)
	cfg.MaxBodySize = 2048
	e, p, rec := newEngine(cfg)
	_, err := e.Resources().Register("/big", resource.Funcs{Put: func(*resource.Response, *resource.Request) {}})
	require.NoError(t, err)

	m := request(message.Confirmable, message.PUT, 9, []byte{1}, "/big")
	m.Options.SetBlock(message.Block1, message.Block{Num: 0, More: true, SZX: 6})
	m.Options.SetUint(message.Size1, 10000)
	m.Payload = body(1024)
	inject(t, e, session.UDP, m, 0)

	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.RequestEntityTooLarge, msgs[0].Code)
	size1, ok := msgs[0].Options.Uint(message.Size1)
	require.True(t, ok)
	assert.Equal(t, uint32(2048), size1)
	assert.Equal(t, 1, rec.count(handler.EventPartialBlock))
}

func TestBlock2Get(t *testing.T) {
	n, s := newNetwork(t, testConfig(8), testConfig(9))
	data := body(3000)
	released := 0
	_, err := n.server.Resources().Register("/fw", resource.Funcs{
		Get: func(w *resource.Response, r *resource.Request) {
			w.SetBody(data, func(any) { released++ }, nil)
		},
	})
	require.NoError(t, err)

	_, err = n.client.Send(s, request(message.Confirmable, message.GET, 0, nil, "/fw"), 0)
	require.NoError(t, err)
	n.pump(t, 0)

	require.Len(t, n.crec.responses, 1)
	resp := n.crec.responses[0]
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, data, resp.Payload)
	assert.False(t, resp.Options.Has(message.Block2))
	assert.Equal(t, 3, n.clientToServer)
	assert.Equal(t, 1, released)

	x, _, _ := n.server.blocks.Len()
	assert.Zero(t, x)
}

func TestRetransmitExhaustion(t *testing.T) {
	e, p, rec := newEngine(testConfig(10))
	s, err := e.NewClientSession(session.Key{Remote: serverAddr, Proto: session.UDP}, 0)
	require.NoError(t, err)
	_, err = e.Send(s, request(message.Confirmable, message.GET, 0, nil, "/x"), 0)
	require.NoError(t, err)

	var (
		now   clock.Tick
		sends = []clock.Tick{0}
	)
	p.drain()
	for i := 0; e.Pending() > 0 && i < 100; i++ {
		now += clock.FromDuration(e.Advance(now))
		e.Advance(now)
		for range p.drain() {
			sends = append(sends, now)
		}
	}
	require.Len(t, sends, 5)
	first := sends[1] - sends[0]
	assert.GreaterOrEqual(t, int64(first), int64(2000))
	assert.Less(t, int64(first), int64(3000))
	for k := 2; k < len(sends); k++ {
		assert.Equal(t, first<<(k-1), sends[k]-sends[k-1])
	}
	assert.Equal(t, []mcoaperrors.NackReason{mcoaperrors.NackTooManyRetries}, rec.nacks)
}

func TestDuplicateRequest(t *testing.T) {
	e, p, _ := newEngine(testConfig(11))
	calls := 0
	_, err := e.Resources().Register("/count", resource.Funcs{
		Post: func(w *resource.Response, r *resource.Request) {
			calls++
			w.SetCode(message.Created)
		},
	})
	require.NoError(t, err)

	m := request(message.Confirmable, message.POST, 42, []byte{3}, "/count")
	inject(t, e, session.UDP, m, 0)
	inject(t, e, session.UDP, m, 500)
	assert.Equal(t, 1, calls)

	out := p.drain()
	require.Len(t, out, 2)
	assert.Equal(t, out[0].Data, out[1].Data)

	m.MessageID = 43
	inject(t, e, session.UDP, m, 600)
	assert.Equal(t, 2, calls)
}

func TestSeparateResponse(t *testing.T) {
	e, p, _ := newEngine(testConfig(12))
	var key uint64
	_, err := e.Resources().Register("/slow", resource.Funcs{
		Get: func(w *resource.Response, r *resource.Request) {
			key = r.AsyncKey
			w.Separate()
		},
	})
	require.NoError(t, err)

	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 7, []byte{9}, "/slow"), 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Acknowledgement, msgs[0].Type)
	assert.True(t, msgs[0].IsEmpty())

	require.NoError(t, e.CompleteAsync(key, func(w *resource.Response) {
		_, _ = w.Write([]byte("done"))
	}, 100))
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	resp := msgs[0]
	assert.Equal(t, message.Confirmable, resp.Type)
	assert.Equal(t, message.Content, resp.Code)
	assert.Equal(t, []byte{9}, resp.Token)
	assert.Equal(t, "done", string(resp.Payload))
	assert.Equal(t, 1, e.Pending())

	inject(t, e, session.UDP, &message.Message{Type: message.Acknowledgement, MessageID: resp.MessageID}, 200)
	assert.Zero(t, e.Pending())
	assert.Error(t, e.CompleteAsync(key, func(*resource.Response) {}, 300))
}

func TestDispatchErrors(t *testing.T) {
	e, p, _ := newEngine(testConfig(13))
	value := "1"
	registerTemp(t, e, &value)

	cases := []struct {
		desc string
		msg  *message.Message
		code message.Code
	}{
		{
			desc: "unknown path",
			msg:  request(message.Confirmable, message.GET, 1, []byte{1}, "/missing"),
			code: message.NotFound,
		},
		{
			desc: "method not implemented",
			msg:  request(message.Confirmable, message.DELETE, 2, []byte{2}, "/temp"),
			code: message.MethodNotAllowed,
		},
		{
			desc: "unknown critical option",
			msg: func() *message.Message {
				m := request(message.Confirmable, message.GET, 3, []byte{3}, "/temp")
				m.Options.Add(9, []byte{1})
				return m
			}(),
			code: message.BadOption,
		},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			inject(t, e, session.UDP, tc.msg, 0)
			msgs := p.messages(t, message.Datagram)
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.code, msgs[0].Code)
			assert.Equal(t, tc.msg.MessageID, msgs[0].MessageID)
		})
	}
}

func TestAuthRejects(t *testing.T) {
	p := &pipe{}
	h := &handler.Funcs{
		Auth: func(_ *handler.Context, req *message.Message) error {
			if req.Options.Path() == "/limited" {
				return mcoaperrors.ErrRateLimited
			}
			return mcoaperrors.ErrProtocolViolation
		},
	}
	e := New(testConfig(14), h, p)

	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 1, []byte{1}, "/limited"), 0)
	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 2, []byte{2}, "/other"), 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.TooManyRequests, msgs[0].Code)
	assert.Equal(t, message.Forbidden, msgs[1].Code)
}

func TestWellKnownCore(t *testing.T) {
	e, p, _ := newEngine(testConfig(15))
	value := "1"
	registerTemp(t, e, &value)
	_, err := e.Resources().Register("/hidden", resource.Funcs{Get: func(*resource.Response, *resource.Request) {}}, resource.WithHidden())
	require.NoError(t, err)

	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 1, []byte{1}, resource.WellKnownCore), 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Content, msgs[0].Code)
	cf, ok := msgs[0].Options.ContentFormat()
	require.True(t, ok)
	assert.Equal(t, message.AppLinkFormat, cf)
	assert.Equal(t, "</temp>;obs", string(msgs[0].Payload))
}

func TestDatagramPing(t *testing.T) {
	e, p, rec := newEngine(testConfig(16))

	inject(t, e, session.UDP, &message.Message{Type: message.Confirmable, MessageID: 5}, 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Reset, msgs[0].Type)
	assert.Equal(t, uint16(5), msgs[0].MessageID)
	assert.Equal(t, 1, rec.pings)

	s, ok := e.Session(session.Key{Remote: clientAddr, Proto: session.UDP})
	require.True(t, ok)
	require.NoError(t, e.Ping(s, 10))
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsEmpty())
	assert.Equal(t, message.Confirmable, msgs[0].Type)

	inject(t, e, session.UDP, &message.Message{Type: message.Reset, MessageID: msgs[0].MessageID}, 20)
	assert.Equal(t, 1, rec.pongs)
	assert.Zero(t, e.Pending())
}

func TestBadPacket(t *testing.T) {
	e, p, rec := newEngine(testConfig(17))
	// Version 1 CON header with a token length of 9.
	data := []byte{0x49, 0x01, 0x00, 0x10}
	e.HandlePacket(Packet{Key: session.Key{Remote: clientAddr, Proto: session.UDP}, Data: data}, 0)

	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Reset, msgs[0].Type)
	assert.Equal(t, uint16(0x10), msgs[0].MessageID)
	assert.Equal(t, 1, rec.count(handler.EventBadPacket))
}

func TestStreamSignals(t *testing.T) {
	e, p, rec := newEngine(testConfig(18))
	value := "1"
	registerTemp(t, e, &value)

	csm := &message.Message{Code: message.CSM}
	csm.Options.SetUint(message.MaxMessageSize, 4096)
	csm.Options.Set(message.BlockWiseTransfer, nil)
	inject(t, e, session.TCP, csm, 0)

	msgs := p.messages(t, message.Stream)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.CSM, msgs[0].Code)
	assert.True(t, msgs[0].Options.Has(message.BlockWiseTransfer))

	s, ok := e.Session(session.Key{Remote: clientAddr, Proto: session.TCP})
	require.True(t, ok)
	assert.Equal(t, session.Established, s.State)
	assert.Equal(t, 4096, s.MaxMessageSize)
	assert.True(t, s.PeerBlockWise)

	inject(t, e, session.TCP, &message.Message{Code: message.Ping, Token: []byte{4}}, 10)
	msgs = p.messages(t, message.Stream)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Pong, msgs[0].Code)
	assert.Equal(t, []byte{4}, msgs[0].Token)
	assert.Equal(t, 1, rec.pings)

	get := request(0, message.GET, 0, []byte{5}, "/temp")
	inject(t, e, session.TCP, get, 20)
	msgs = p.messages(t, message.Stream)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Content, msgs[0].Code)
	assert.Equal(t, "1", string(msgs[0].Payload))

	inject(t, e, session.TCP, &message.Message{Code: message.Release}, 30)
	_, ok = e.Session(session.Key{Remote: clientAddr, Proto: session.TCP})
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count(handler.EventSessionClosed))
	assert.Equal(t, 1, rec.count(handler.EventServerSessionDel))
}

func TestSessionExpiry(t *testing.T) {
	cfg := testConfig(19)
	e, _, rec := newEngine(cfg)
	value := "1"
	registerTemp(t, e, &value)

	inject(t, e, session.UDP, request(message.NonConfirmable, message.GET, 1, []byte{1}, "/temp"), 0)
	assert.Len(t, e.Sessions(), 1)
	assert.Equal(t, 1, rec.count(handler.EventServerSessionNew))

	wait := e.Advance(1000)
	assert.Positive(t, wait)
	e.Advance(clock.FromDuration(cfg.SessionTimeout))
	assert.Empty(t, e.Sessions())
	assert.Equal(t, 1, rec.count(handler.EventServerSessionDel))
}

func TestIdleEvictionReleasesSession(t *testing.T) {
	cfg := testConfig(20)
	cfg.MaxIdleSessions = 1
	cfg.Metrics = metrics.New("test", prometheus.NewRegistry())
	e, _, rec := newEngine(cfg)

	first := session.Key{Remote: clientAddr, Proto: session.UDP}
	second := session.Key{Remote: netip.MustParseAddrPort("192.0.2.3:40000"), Proto: session.UDP}
	ping, err := message.Encode(&message.Message{Type: message.Confirmable, MessageID: 1}, message.Datagram)
	require.NoError(t, err)

	e.HandlePacket(Packet{Key: first, Data: ping}, 0)
	active := cfg.Metrics.ActiveSessions.WithLabelValues("udp", "server")
	assert.Equal(t, 1.0, testutil.ToFloat64(active))

	e.HandlePacket(Packet{Key: second, Data: ping}, 10)
	_, ok := e.Session(first)
	assert.False(t, ok, "the least recently used idle session is evicted")
	_, ok = e.Session(second)
	assert.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(active))
	assert.Equal(t, 2, rec.count(handler.EventServerSessionNew))
	assert.Equal(t, 1, rec.count(handler.EventServerSessionDel))

	e.Advance(10 + clock.FromDuration(cfg.SessionTimeout))
	assert.Empty(t, e.Sessions())
	assert.Zero(t, testutil.ToFloat64(active))
	assert.Equal(t, 2, rec.count(handler.EventServerSessionDel))
}

func TestOversizedResponseWithoutBlockwise(t *testing.T) {
	cfg := testConfig(21)
	cfg.BlockMode = 0
	e, p, _ := newEngine(cfg)
	_, err := e.Resources().Register("/big", resource.Funcs{
		Get: func(w *resource.Response, _ *resource.Request) {
			_, _ = w.Write(body(3000))
		},
	})
	require.NoError(t, err)

	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 40, []byte{4}, "/big"), 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Acknowledgement, msgs[0].Type)
	assert.Equal(t, uint16(40), msgs[0].MessageID)
	assert.Equal(t, message.InternalServerError, msgs[0].Code)
	assert.Empty(t, msgs[0].Payload)

	// A retransmitted request gets the same answer from the cache.
	inject(t, e, session.UDP, request(message.Confirmable, message.GET, 40, []byte{4}, "/big"), 10)
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.InternalServerError, msgs[0].Code)

	inject(t, e, session.UDP, request(message.NonConfirmable, message.GET, 41, []byte{5}, "/big"), 20)
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.NonConfirmable, msgs[0].Type)
	assert.Equal(t, message.InternalServerError, msgs[0].Code)
}

func TestBlock1OutOfOrderNon(t *testing.T) {
	e, p, rec := newEngine(testConfig(22))
	var got [][]byte
	_, err := e.Resources().Register("/big", resource.Funcs{
		Put: func(_ *resource.Response, r *resource.Request) {
			got = append(got, bytes.Clone(r.Message.Payload))
		},
	})
	require.NoError(t, err)

	data := body(2500)
	part := func(num uint32, mid uint16) *message.Message {
		m := request(message.NonConfirmable, message.PUT, mid, []byte{0x0b}, "/big")
		end := min(int(num+1)*1024, len(data))
		m.Options.SetBlock(message.Block1, message.Block{Num: num, More: end < len(data), SZX: 6})
		if num == 0 {
			m.Options.SetUint(message.Size1, uint32(len(data)))
		}
		m.Payload = data[int(num)*1024 : end]
		return m
	}

	inject(t, e, session.UDP, part(1, 11), 0)
	inject(t, e, session.UDP, part(0, 10), 1)
	inject(t, e, session.UDP, part(1, 13), 2)
	assert.Empty(t, got)
	inject(t, e, session.UDP, part(2, 12), 3)

	require.Len(t, got, 1)
	assert.Equal(t, data, got[0])
	assert.Zero(t, rec.count(handler.EventPartialBlock))
	msgs := p.messages(t, message.Datagram)
	require.NotEmpty(t, msgs)
	final := msgs[len(msgs)-1]
	assert.Equal(t, message.NonConfirmable, final.Type)
	assert.Equal(t, message.Changed, final.Code)
	_, srcv, _ := e.blocks.Len()
	assert.Zero(t, srcv)
}

func TestBlock1SizeMismatch(t *testing.T) {
	e, p, rec := newEngine(testConfig(23))
	called := false
	_, err := e.Resources().Register("/big", resource.Funcs{
		Put: func(*resource.Response, *resource.Request) { called = true },
	})
	require.NoError(t, err)

	first := request(message.Confirmable, message.PUT, 1, []byte{0x0c}, "/big")
	first.Options.SetBlock(message.Block1, message.Block{Num: 0, More: true, SZX: 6})
	first.Options.SetUint(message.Size1, 2000)
	first.Payload = body(1024)
	inject(t, e, session.UDP, first, 0)
	msgs := p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	require.Equal(t, message.Continue, msgs[0].Code)

	last := request(message.Confirmable, message.PUT, 2, []byte{0x0c}, "/big")
	last.Options.SetBlock(message.Block1, message.Block{Num: 1, SZX: 6})
	last.Payload = body(500)
	inject(t, e, session.UDP, last, 1)
	msgs = p.messages(t, message.Datagram)
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Acknowledgement, msgs[0].Type)
	assert.Equal(t, message.RequestEntityIncomplete, msgs[0].Code)
	assert.False(t, called)
	require.Equal(t, 1, rec.count(handler.EventPartialBlock))
	assert.True(t, mcoaperrors.IsBlock(rec.events[len(rec.events)-1].Err, mcoaperrors.BlockIncomplete))
	_, srcv, _ := e.blocks.Len()
	assert.Zero(t, srcv)
}

func TestBlock2ETagChangeRestarts(t *testing.T) {
	e, p, rec := newEngine(testConfig(24))
	s, err := e.NewClientSession(session.Key{Remote: serverAddr, Proto: session.UDP}, 0)
	require.NoError(t, err)
	token, err := e.Send(s, request(message.Confirmable, message.GET, 0, nil, "/fw"), 0)
	require.NoError(t, err)

	oldBody, newBody := body(3000), bytes.Repeat([]byte{0x42}, 2100)
	answer := func(req *message.Message, data []byte, etag byte, num uint32, now clock.Tick) {
		t.Helper()
		end := min(int(num+1)*1024, len(data))
		resp := &message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: req.MessageID, Token: req.Token}
		resp.Options.Set(message.ETag, []byte{etag})
		resp.Options.SetBlock(message.Block2, message.Block{Num: num, More: end < len(data), SZX: 6})
		resp.Options.SetUint(message.Size2, uint32(len(data)))
		resp.Payload = data[int(num)*1024 : end]
		raw, err := message.Encode(resp, message.Datagram)
		require.NoError(t, err)
		e.HandlePacket(Packet{Key: s.Key, Data: raw}, now)
	}
	next := func() (*message.Message, message.Block) {
		t.Helper()
		msgs := p.messages(t, message.Datagram)
		require.Len(t, msgs, 1)
		b, _, err := msgs[0].Options.Block(message.Block2)
		require.NoError(t, err)
		assert.Equal(t, token, msgs[0].Token)
		return msgs[0], b
	}

	req, _ := next()
	answer(req, oldBody, 1, 0, 1)
	req, b := next()
	require.Equal(t, uint32(1), b.Num)

	// The representation changed between the first and the second block.
	answer(req, newBody, 2, 1, 2)
	req, b = next()
	assert.Equal(t, uint32(0), b.Num, "a changed ETag restarts from block 0")
	require.Equal(t, 1, rec.count(handler.EventPartialBlock))
	assert.True(t, mcoaperrors.IsBlock(rec.events[len(rec.events)-1].Err, mcoaperrors.BlockStale))
	assert.Empty(t, rec.responses)

	for num := uint32(0); num < 3; num++ {
		answer(req, newBody, 2, num, clock.Tick(3+num))
		if num < 2 {
			req, b = next()
			require.Equal(t, num+1, b.Num)
		}
	}
	require.Len(t, rec.responses, 1)
	assert.Equal(t, newBody, rec.responses[0].Payload)
	assert.Empty(t, rec.nacks)
	assert.Zero(t, e.Pending())
}

func TestObserveBlockwiseNotification(t *testing.T) {
	ccfg := testConfig(26)
	// Longer than the retransmission window of a block request.
	ccfg.BlockIdleTimeout = 10 * time.Minute
	n, s := newNetwork(t, testConfig(25), ccfg)
	data := body(3000)
	_, err := n.server.Resources().Register("/big", resource.Funcs{
		Get: func(w *resource.Response, _ *resource.Request) {
			_, _ = w.Write(data)
		},
	}, resource.WithObservable())
	require.NoError(t, err)

	req := request(message.Confirmable, message.GET, 0, nil, "/big")
	req.Options.SetUint(message.Observe, 0)
	token, err := n.client.Send(s, req, 0)
	require.NoError(t, err)
	n.pump(t, 0)
	require.Len(t, n.crec.responses, 1)
	assert.Equal(t, data, n.crec.responses[0].Payload)
	require.Equal(t, 1, n.server.Observers().Count("/big"))

	data = bytes.Repeat([]byte{0x5a}, 2500)
	require.NoError(t, n.server.Notify("/big", 10))
	n.pump(t, 10)
	require.Len(t, n.crec.responses, 2)
	resp := n.crec.responses[1]
	assert.Equal(t, token, resp.Token)
	assert.Equal(t, data, resp.Payload)
	assert.False(t, resp.Options.Has(message.Block2))
	seq, ok := resp.Options.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, 1, n.server.Observers().Count("/big"), "block requests keep the observation")

	// The request for block 1 of the next notification is never answered.
	data = bytes.Repeat([]byte{0x33}, 2200)
	require.NoError(t, n.server.Notify("/big", 20))
	for _, pkt := range n.sp.drain() {
		n.client.HandlePacket(Packet{Key: s.Key, Data: pkt.Data}, 20)
	}
	fetch := n.cp.messages(t, message.Datagram)
	require.Len(t, fetch, 1)
	b, ok, _ := fetch[0].Options.Block(message.Block2)
	require.True(t, ok)
	require.Equal(t, uint32(1), b.Num)
	now := settle(n.client, 20)
	n.cp.drain()
	assert.Empty(t, n.crec.nacks, "a lost block request keeps the observation")
	assert.Equal(t, 1, n.crec.count(handler.EventPartialBlock))
	_, _, crcv := n.client.blocks.Len()
	assert.Zero(t, crcv)

	data = []byte("small")
	require.NoError(t, n.server.Notify("/big", now))
	n.pump(t, now)
	require.Len(t, n.crec.responses, 3)
	assert.Equal(t, "small", string(n.crec.responses[2].Payload))
	assert.Equal(t, token, n.crec.responses[2].Token)
}
