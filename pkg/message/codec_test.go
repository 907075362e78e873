// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	m := &Message{
		Type:      Confirmable,
		Code:      PUT,
		MessageID: 0xbeef,
		Token:     []byte{1, 2, 3, 4},
		Payload:   []byte("hello"),
	}
	m.Options.SetPath("/a/b")
	m.Options.SetUint(ContentFormat, TextPlain)
	m.Options.SetUint(Size1, 5)
	m.Options.Add(RequestTag, []byte{0x42})
	return m
}

func TestDatagramLayout(t *testing.T) {
	m := &Message{Type: NonConfirmable, Code: GET, MessageID: 0x0102, Token: []byte{0xaa}}
	m.Options.SetPath("/t")

	data, err := Encode(m, Datagram)
	require.NoError(t, err)
	// ver 1, NON, tkl 1 | GET | mid | token | Uri-Path delta 11 len 1 "t"
	assert.Equal(t, []byte{0x51, 0x01, 0x01, 0x02, 0xaa, 0xb1, 't'}, data)
}

func TestRoundTrip(t *testing.T) {
	for _, tr := range []Transport{Datagram, Stream, WebSocket} {
		t.Run(tr.String(), func(t *testing.T) {
			m := testMessage()
			data, err := Encode(m, tr)
			require.NoError(t, err)

			got, err := Decode(data, tr)
			require.NoError(t, err)
			assert.Equal(t, m.Code, got.Code)
			assert.Equal(t, m.Token, got.Token)
			assert.Equal(t, m.Payload, got.Payload)
			assert.Equal(t, "/a/b", got.Options.Path())
			cf, ok := got.Options.ContentFormat()
			assert.True(t, ok)
			assert.Equal(t, TextPlain, cf)
			rt, ok := got.Options.Get(RequestTag)
			assert.True(t, ok)
			assert.Equal(t, []byte{0x42}, rt)
			if tr == Datagram {
				assert.Equal(t, m.MessageID, got.MessageID)
				assert.Equal(t, m.Type, got.Type)
			}
		})
	}
}

func TestStreamExtendedLength(t *testing.T) {
	cases := []struct {
		name    string
		payload int
		nibble  byte
	}{
		{"inline", 4, 5},
		{"ext8", 100, 13},
		{"ext16", 1000, 14},
		{"ext32", 70000, 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := &Message{Code: Content, Payload: bytes.Repeat([]byte{'x'}, tc.payload)}
			data, err := Encode(m, Stream)
			require.NoError(t, err)
			assert.Equal(t, tc.nibble, data[0]>>4)

			n, err := FrameSize(data)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)

			got, err := ReadFrame(bytes.NewReader(data), 0)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			dec, err := Decode(got, Stream)
			require.NoError(t, err)
			assert.Len(t, dec.Payload, tc.payload)
		})
	}
}

func TestLargeOptionDelta(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options.Add(URIPath, []byte("x"))
	m.Options.Add(RequestTag, bytes.Repeat([]byte{1}, 300))
	m.Options.Add(OptionID(65000), []byte{1})

	data, err := Encode(m, Datagram)
	require.NoError(t, err)
	got, err := Decode(data, Datagram)
	require.NoError(t, err)
	require.Len(t, got.Options, 3)
	assert.Equal(t, OptionID(65000), got.Options[2].ID)
	assert.Len(t, got.Options[1].Value, 300)
}

func TestOptionsSortedOnEncode(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options = Options{
		{ID: URIQuery, Value: []byte("q")},
		{ID: URIPath, Value: []byte("p")},
	}
	data, err := Encode(m, Datagram)
	require.NoError(t, err)
	got, err := Decode(data, Datagram)
	require.NoError(t, err)
	assert.Equal(t, URIPath, got.Options[0].ID)
	assert.Equal(t, URIQuery, got.Options[1].ID)
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"short header", []byte{0x40, 0x01}},
		{"bad version", []byte{0x80, 0x01, 0x00, 0x01}},
		{"token over 8", []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"truncated token", []byte{0x44, 0x01, 0x00, 0x01, 1, 2}},
		{"marker without payload", []byte{0x40, 0x01, 0x00, 0x01, 0xff}},
		{"reserved delta nibble", []byte{0x40, 0x01, 0x00, 0x01, 0xf1, 0x00}},
		{"reserved length nibble", []byte{0x40, 0x01, 0x00, 0x01, 0x1f}},
		{"truncated extension", []byte{0x40, 0x01, 0x00, 0x01, 0xe0, 0x01}},
		{"truncated value", []byte{0x40, 0x01, 0x00, 0x01, 0xb4, 'a'}},
		{"option number overflow", []byte{0x40, 0x01, 0x00, 0x01, 0xe0, 0xff, 0x00, 0xe0, 0xff, 0x00}},
		{"empty with token", []byte{0x41, 0x00, 0x00, 0x01, 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data, Datagram)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse), "got %v", err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestMissingMarkerMeansEmptyPayload(t *testing.T) {
	got, err := Decode([]byte{0x40, 0x01, 0x00, 0x07, 0xb1, 'x'}, Datagram)
	require.NoError(t, err)
	assert.Empty(t, got.Payload)
	assert.Equal(t, "/x", got.Options.Path())
}

func TestMaxSize(t *testing.T) {
	m := &Message{Type: Confirmable, Code: POST, MessageID: 1, Payload: make([]byte, 200)}
	c := Codec{Transport: Datagram, MaxSize: 100}
	_, err := c.Encode(m)
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	data, err := Encode(m, Datagram)
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadFrameRejectsBeforeAllocating(t *testing.T) {
	// Len nibble 15 announcing ~4GiB; only the header is present.
	hdr := []byte{0xf0, 0xff, 0xff, 0xff, 0x00}
	_, err := ReadFrame(bytes.NewReader(hdr), 1024)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFrameSizeShort(t *testing.T) {
	_, err := FrameSize([]byte{0xe0, 0x01})
	assert.ErrorIs(t, err, ErrShortFrame)
	_, err = FrameSize(nil)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestStreamFrameMismatch(t *testing.T) {
	m := &Message{Code: Content, Payload: []byte("abc")}
	data, err := Encode(m, Stream)
	require.NoError(t, err)
	_, err = Decode(append(data, 0x00), Stream)
	assert.ErrorIs(t, err, ErrParse)
}

func TestEncodeTokenTooLong(t *testing.T) {
	_, err := Encode(&Message{Code: GET, Token: make([]byte, 9)}, Datagram)
	assert.ErrorIs(t, err, ErrTokenTooLong)
}

func TestPeekHeader(t *testing.T) {
	typ, mid, ok := PeekHeader([]byte{0x40, 0x01, 0x12, 0x34, 0xff})
	require.True(t, ok)
	assert.Equal(t, Confirmable, typ)
	assert.Equal(t, uint16(0x1234), mid)

	_, _, ok = PeekHeader([]byte{0x40})
	assert.False(t, ok)
}

func TestDecodeDoesNotAliasInput(t *testing.T) {
	data, err := Encode(testMessage(), Datagram)
	require.NoError(t, err)
	got, err := Decode(data, Datagram)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("hello"), got.Payload)
}
