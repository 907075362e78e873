// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"net/netip"

	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
)

// RateLimitedHandler wraps a handler with rate limiting. Rejected requests
// are answered with 4.29 by the engine.
type RateLimitedHandler struct {
	handler.Handler
	perClientLimiter *ratelimit.Limiter
	globalLimiter    *ratelimit.Bucket
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

var _ handler.Handler = (*RateLimitedHandler)(nil)

// AuthRequest implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthRequest(hctx *handler.Context, req *message.Message) error {
	// Check global rate limit
	if wait, ok := h.globalLimiter.Take(1); !ok {
		h.metrics.RateLimited(hctx.Protocol, "global")
		h.logger.Warn("Global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("protocol", hctx.Protocol),
			slog.Duration("retry_after", wait))
		return ratelimit.ErrRateLimitExceeded
	}

	// Check per-client rate limit
	if !h.perClientLimiter.Allow(peerAddr(hctx)) {
		h.metrics.RateLimited(hctx.Protocol, "per_client")
		h.logger.Warn("Per-client rate limit exceeded",
			slog.String("client", hctx.RemoteAddr),
			slog.String("protocol", hctx.Protocol))
		return ratelimit.ErrRateLimitExceeded
	}

	return h.Handler.AuthRequest(hctx, req)
}

// OnEvent forgets the bucket of released sessions.
func (h *RateLimitedHandler) OnEvent(hctx *handler.Context, ev handler.Event) error {
	if ev.Kind == handler.EventServerSessionDel {
		h.perClientLimiter.Remove(peerAddr(hctx))
	}
	return h.Handler.OnEvent(hctx, ev)
}

// peerAddr returns the host of the session peer.
func peerAddr(hctx *handler.Context) netip.Addr {
	if hctx.Session != nil {
		return hctx.Session.Key.Remote.Addr()
	}
	ap, err := netip.ParseAddrPort(hctx.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr()
}
