// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"testing"

	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type thermometer struct {
	value string
}

func (t *thermometer) Get(w *Response, _ *Request) {
	w.SetContentFormat(message.TextPlain)
	_, _ = w.Write([]byte(t.value))
}

func (t *thermometer) Put(w *Response, r *Request) {
	t.value = string(r.Message.Payload)
	w.SetCode(message.Changed)
}

func request(code message.Code, path string) *message.Message {
	m := &message.Message{Type: message.Confirmable, Code: code}
	m.Options.SetPath(path)
	return m
}

func TestRegisterCapabilities(t *testing.T) {
	g := NewRegistry()
	therm := &thermometer{value: "21.5"}
	r, err := g.Register("/sensors/temp", therm, WithObservable())
	require.NoError(t, err)
	assert.True(t, r.Observable)

	got, ok := g.Lookup("sensors/temp")
	require.True(t, ok)
	assert.Same(t, r, got)

	cases := []struct {
		method message.Code
		err    error
	}{
		{message.GET, nil},
		{message.PUT, nil},
		{message.POST, mcoaperrors.ErrMethodNotAllowed},
		{message.DELETE, mcoaperrors.ErrMethodNotAllowed},
		{message.IPATCH, mcoaperrors.ErrMethodNotAllowed},
		{message.Content, mcoaperrors.ErrMethodNotAllowed},
	}
	for _, tc := range cases {
		_, err := r.Dispatch(tc.method)
		assert.ErrorIs(t, err, tc.err, message.CodeString(tc.method))
		if tc.err == nil {
			assert.NoError(t, err)
		}
	}

	h, err := r.Dispatch(message.GET)
	require.NoError(t, err)
	w := &Response{}
	h(w, &Request{Resource: r, Message: request(message.GET, "/sensors/temp")})
	assert.Equal(t, []byte("21.5"), w.Payload)
	cf, ok := w.Options.ContentFormat()
	assert.True(t, ok)
	assert.Equal(t, message.TextPlain, cf)
}

func TestRegisterFuncs(t *testing.T) {
	g := NewRegistry()
	called := ""
	_, err := g.Register("/a", Funcs{
		Delete: func(*Response, *Request) { called = "delete" },
	})
	require.NoError(t, err)

	_, h, err := g.Resolve(request(message.DELETE, "/a"))
	require.NoError(t, err)
	h(&Response{}, &Request{})
	assert.Equal(t, "delete", called)

	_, _, err = g.Resolve(request(message.GET, "/a"))
	assert.ErrorIs(t, err, mcoaperrors.ErrMethodNotAllowed)

	_, err = g.Register("/b", Funcs{})
	assert.Error(t, err)
	_, err = g.Register("/c", struct{}{})
	assert.Error(t, err)
}

func TestResolveFallbacks(t *testing.T) {
	g := NewRegistry()
	_, _, err := g.Resolve(request(message.PUT, "/new"))
	assert.ErrorIs(t, err, mcoaperrors.ErrNotFound)

	require.NoError(t, g.SetUnknown(Funcs{Put: func(*Response, *Request) {}}))
	r, h, err := g.Resolve(request(message.PUT, "/new"))
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.True(t, r.Hidden)

	_, _, err = g.Resolve(request(message.GET, "/new"))
	assert.ErrorIs(t, err, mcoaperrors.ErrNotFound)

	proxied := request(message.GET, "/")
	proxied.Options.Set(message.ProxyURI, []byte("coap://example.com/x"))
	_, _, err = g.Resolve(proxied)
	assert.ErrorIs(t, err, ErrProxyingNotSupported)

	require.NoError(t, g.SetProxy(HandlerFunc(func(*Response, *Request) {})))
	_, h, err = g.Resolve(proxied)
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestSeqWraps(t *testing.T) {
	r := &Resource{seq: MaxSeq}
	assert.Equal(t, uint32(0), r.NextSeq())
	assert.Equal(t, uint32(1), r.NextSeq())
}

func TestLinkFormat(t *testing.T) {
	g := NewRegistry()
	get := Funcs{Get: func(*Response, *Request) {}}
	_, err := g.Register("/temp", get, WithObservable(), WithAttr("rt", "temperature-c"), WithAttr("ct", "0"))
	require.NoError(t, err)
	_, err = g.Register("/light", get, WithAttr("rt", "light lux"), WithAttr("if", "sensor"))
	require.NoError(t, err)
	_, err = g.Register("/secret", get, WithHidden())
	require.NoError(t, err)

	assert.Equal(t,
		`</light>;rt="light lux";if="sensor",</temp>;obs;rt="temperature-c";ct=0`,
		string(g.LinkFormat(nil)))
	assert.Equal(t, `</temp>;obs;rt="temperature-c";ct=0`, string(g.LinkFormat([]string{"rt=temp*"})))
	assert.Equal(t, `</light>;rt="light lux";if="sensor"`, string(g.LinkFormat([]string{"rt=lux"})))
	assert.Equal(t, `</temp>;obs;rt="temperature-c";ct=0`, string(g.LinkFormat([]string{"obs"})))
	assert.Equal(t, `</light>;rt="light lux";if="sensor"`, string(g.LinkFormat([]string{"href=/l*"})))
	assert.Empty(t, g.LinkFormat([]string{"rt=none"}))
}

func TestDefaultCode(t *testing.T) {
	assert.Equal(t, message.Content, DefaultCode(message.GET))
	assert.Equal(t, message.Deleted, DefaultCode(message.DELETE))
	assert.Equal(t, message.Changed, DefaultCode(message.POST))
}
