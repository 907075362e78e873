// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBucket(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := NewBucket(fc, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if b.Allow() {
		t.Fatal("expected bucket to be empty")
	}

	fc.Advance(2 * time.Second)
	if got := b.Available(); got != 2 {
		t.Errorf("expected 2 tokens after refill, got %d", got)
	}

	fc.Advance(time.Minute)
	if got := b.Available(); got != 3 {
		t.Errorf("expected refill capped at capacity, got %d", got)
	}
}

func TestBucketTakeReportsWait(t *testing.T) {
	fc := clockwork.NewFakeClock()
	b := NewBucket(fc, 2, 4)

	if _, ok := b.Take(2); !ok {
		t.Fatal("expected a full bucket to allow the burst")
	}
	wait, ok := b.Take(1)
	if ok {
		t.Fatal("expected empty bucket")
	}
	if wait != 250*time.Millisecond {
		t.Errorf("expected 250ms wait, got %s", wait)
	}

	fc.Advance(250 * time.Millisecond)
	if _, ok := b.Take(1); !ok {
		t.Error("expected a token after the reported wait")
	}

	if wait, ok := b.Take(5); ok || wait >= 0 {
		t.Errorf("expected a request above capacity to never succeed, got %s %v", wait, ok)
	}
}

func TestLimiterPerPeer(t *testing.T) {
	fc := clockwork.NewFakeClock()
	l := NewLimiter(fc, Config{Capacity: 1, Rate: 1, MaxPeers: 2})
	defer l.Close()

	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	c := netip.MustParseAddr("192.0.2.3")

	if !l.Allow(a) {
		t.Fatal("first packet from a should be allowed")
	}
	if l.Allow(netip.MustParseAddr("::ffff:192.0.2.1")) {
		t.Error("mapped address of a should share its bucket")
	}
	if !l.Allow(b) {
		t.Error("b has its own bucket")
	}
	if l.Allow(c) {
		t.Error("expected max peers to reject a third peer")
	}
	if l.Peers() != 2 {
		t.Errorf("expected 2 tracked peers, got %d", l.Peers())
	}

	l.Remove(a)
	if l.Peers() != 1 {
		t.Errorf("expected 1 tracked peer, got %d", l.Peers())
	}
}

func TestLimiterCleanupDropsIdle(t *testing.T) {
	fc := clockwork.NewFakeClock()
	l := NewLimiter(fc, Config{Capacity: 5, Rate: 5, IdleTimeout: time.Minute})
	defer l.Close()

	l.Allow(netip.MustParseAddr("198.51.100.9"))
	fc.Advance(time.Minute + time.Second)
	l.cleanup()

	if l.Peers() != 0 {
		t.Errorf("expected idle peer to be removed, got %d", l.Peers())
	}
}
