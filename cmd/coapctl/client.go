// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/absmach/mcoap/pkg/server/tcp"
	"github.com/absmach/mcoap/pkg/server/udp"
	"github.com/absmach/mcoap/pkg/session"
)

var (
	errScheme       = errors.New("unsupported scheme")
	errNotDelivered = errors.New("request not delivered")
)

// result is a response or the reason none will come.
type result struct {
	resp *message.Message
	err  error
}

// client runs an engine loop with one client session.
type client struct {
	loop    *server.Loop
	key     session.Key
	results chan result
	pongs   chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// parseURI fills in the default port of the scheme.
func parseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	var port string
	switch u.Scheme {
	case "coap", "coap+tcp":
		port = "5683"
	case "coaps+tcp":
		port = "5684"
	default:
		return nil, fmt.Errorf("%w: %q", errScheme, u.Scheme)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

func dial(ctx context.Context, u *url.URL, insecure bool, logger *slog.Logger) (*client, error) {
	c := &client{
		results: make(chan result, 16),
		pongs:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	h := &handler.Funcs{
		Response: func(hctx *handler.Context, req, resp *message.Message) error {
			c.results <- result{resp: resp}
			return nil
		},
		Nack: func(hctx *handler.Context, msg *message.Message, reason mcoaperrors.NackReason) error {
			if msg.IsRequest() || msg.IsEmpty() {
				c.results <- result{err: fmt.Errorf("%w: %s", errNotDelivered, reason)}
			}
			return nil
		},
		Pong: func(*handler.Context) error {
			select {
			case c.pongs <- struct{}{}:
			default:
			}
			return nil
		},
		Event: func(hctx *handler.Context, ev handler.Event) error {
			logger.Debug("event", slog.String("event", ev.String()))
			return nil
		},
	}

	mux := server.NewMux(0)
	cfg := engine.DefaultConfig()
	cfg.Logger = logger
	loop := server.NewLoop(server.Config{Logger: logger}, engine.New(cfg, h, mux), mux)
	c.loop = loop

	// The loop outlives ctx, which only bounds dialing.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.runErr = loop.Run(runCtx)
	}()

	var err error
	switch u.Scheme {
	case "coap":
		c.key, err = dialUDP(ctx, runCtx, u.Host, loop, logger)
	default:
		var tlsCfg *tls.Config
		if u.Scheme == "coaps+tcp" {
			tlsCfg = &tls.Config{
				ServerName:         u.Hostname(),
				InsecureSkipVerify: insecure,
				MinVersion:         tls.VersionTLS12,
			}
		}
		srv := tcp.New(tcp.Config{TLSConfig: tlsCfg, Logger: logger}, loop)
		c.key, err = srv.Dial(runCtx, u.Host)
	}
	if err != nil {
		c.close()
		return nil, err
	}

	var openErr error
	if err := loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
		_, openErr = e.NewClientSession(c.key, now)
	}); err != nil {
		c.close()
		return nil, err
	}
	if openErr != nil {
		c.close()
		return nil, openErr
	}
	return c, nil
}

// dialUDP binds an ephemeral socket and returns the session key of host.
func dialUDP(ctx, runCtx context.Context, host string, loop *server.Loop, logger *slog.Logger) (session.Key, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return session.Key{}, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	remote := raddr.AddrPort()
	local := "0.0.0.0:0"
	if remote.Addr().Is6() && !remote.Addr().Is4In6() {
		local = "[::]:0"
	}
	srv := udp.New(udp.Config{Address: local, Logger: logger}, loop)
	go func() {
		if err := srv.Listen(runCtx); err != nil {
			logger.Error("udp socket failed", slog.String("error", err.Error()))
		}
	}()
	addr, err := srv.Addr(ctx)
	if err != nil {
		return session.Key{}, err
	}
	return session.Key{
		Remote:    netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()),
		LocalPort: uint16(addr.(*net.UDPAddr).Port),
		Proto:     session.UDP,
	}, nil
}

// send issues req and returns its token.
func (c *client) send(ctx context.Context, req *message.Message) ([]byte, error) {
	var (
		token   []byte
		sendErr error
	)
	err := c.loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
		s, ok := e.Session(c.key)
		if !ok {
			sendErr = mcoaperrors.ErrSessionNotFound
			return
		}
		token, sendErr = e.Send(s, req, now)
	})
	if err != nil {
		return nil, err
	}
	return token, sendErr
}

// next waits for the next response or failure.
func (c *client) next(ctx context.Context) (*message.Message, error) {
	select {
	case r := <-c.results:
		return r.resp, r.err
	case <-c.done:
		return nil, fmt.Errorf("engine stopped: %v", c.runErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// do sends req and waits for its response.
func (c *client) do(ctx context.Context, req *message.Message) (*message.Message, error) {
	if _, err := c.send(ctx, req); err != nil {
		return nil, err
	}
	return c.next(ctx)
}

func (c *client) cancelObserve(ctx context.Context, token []byte) error {
	var cancelErr error
	err := c.loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
		s, ok := e.Session(c.key)
		if !ok {
			cancelErr = mcoaperrors.ErrSessionNotFound
			return
		}
		cancelErr = e.CancelObserve(s, token, now)
	})
	if err != nil {
		return err
	}
	return cancelErr
}

func (c *client) ping(ctx context.Context) error {
	var pingErr error
	err := c.loop.Do(ctx, func(e *engine.Engine, now clock.Tick) {
		s, ok := e.Session(c.key)
		if !ok {
			pingErr = mcoaperrors.ErrSessionNotFound
			return
		}
		pingErr = e.Ping(s, now)
	})
	if err != nil {
		return err
	}
	if pingErr != nil {
		return pingErr
	}
	select {
	case <-c.pongs:
		return nil
	case r := <-c.results:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops the loop, which releases the session.
func (c *client) close() {
	c.cancel()
	<-c.done
}

// newRequest builds a request for u.
func newRequest(code message.Code, u *url.URL, payload []byte) *message.Message {
	req := &message.Message{Code: code, Payload: payload}
	req.Options.SetPath(u.Path)
	if u.RawQuery != "" {
		for _, q := range strings.Split(u.RawQuery, "&") {
			if q == "" {
				continue
			}
			if uq, err := url.QueryUnescape(q); err == nil {
				q = uq
			}
			req.Options.AddQuery(q)
		}
	}
	return req
}
