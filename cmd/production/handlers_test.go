// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"log/slog"
	"testing"

	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/ratelimit"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimitedHandler(t *testing.T) {
	clk := clockwork.NewFakeClock()
	limiter := ratelimit.NewLimiter(clk, ratelimit.Config{Capacity: 2, Rate: 1, MaxPeers: 10})
	defer limiter.Close()
	m := metrics.New("test", prometheus.NewRegistry())

	authorized := 0
	h := &RateLimitedHandler{
		Handler: &handler.Funcs{Auth: func(*handler.Context, *message.Message) error {
			authorized++
			return nil
		}},
		perClientLimiter: limiter,
		globalLimiter:    ratelimit.NewBucket(clk, 100, 100),
		metrics:          m,
		logger:           slog.Default(),
	}

	hctx := &handler.Context{SessionID: "s1", RemoteAddr: "192.0.2.1:5683", Protocol: "udp"}
	req := &message.Message{Code: message.GET}

	for i := 0; i < 2; i++ {
		if err := h.AuthRequest(hctx, req); err != nil {
			t.Fatalf("request %d should be allowed: %v", i, err)
		}
	}
	err := h.AuthRequest(hctx, req)
	if !errors.Is(err, mcoaperrors.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if authorized != 2 {
		t.Errorf("expected 2 authorized requests, got %d", authorized)
	}
	if got := testutil.ToFloat64(m.RateLimitedRequests.WithLabelValues("udp", "per_client")); got != 1 {
		t.Errorf("expected 1 rate limited request, got %v", got)
	}

	// Another port of the same host shares the bucket.
	other := &handler.Context{SessionID: "s2", RemoteAddr: "192.0.2.1:40000", Protocol: "tcp"}
	if err := h.AuthRequest(other, req); !errors.Is(err, mcoaperrors.ErrRateLimited) {
		t.Errorf("expected the host to stay limited, got %v", err)
	}

	// Releasing the session forgets its bucket.
	if err := h.OnEvent(hctx, handler.Event{Kind: handler.EventServerSessionDel}); err != nil {
		t.Fatalf("OnEvent failed: %v", err)
	}
	if err := h.AuthRequest(hctx, req); err != nil {
		t.Errorf("expected fresh bucket after session release, got %v", err)
	}
}
