// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit admits requests through token buckets, one shared and
// one per peer host.
//
// Peers are keyed by IP address without the port: a client that opens a
// second TCP connection or rebinds its UDP socket draws from the same bucket.
package ratelimit

import (
	"net/netip"
	"sync"
	"time"

	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/jonboulle/clockwork"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded. Handlers
// returning it from AuthRequest get a 4.29 response.
var ErrRateLimitExceeded = mcoaperrors.ErrRateLimited

const (
	// DefaultMaxPeers bounds the number of tracked peers when
	// Config.MaxPeers is 0.
	DefaultMaxPeers = 10000

	// DefaultIdleTimeout is used when Config.IdleTimeout is 0.
	DefaultIdleTimeout = 5 * time.Minute
)

// Bucket is a token bucket refilled continuously at Rate tokens per second.
type Bucket struct {
	mu       sync.Mutex
	clk      clockwork.Clock
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
}

// NewBucket creates a full bucket.
func NewBucket(clk clockwork.Clock, capacity int64, rate float64) *Bucket {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Bucket{
		clk:      clk,
		capacity: float64(capacity),
		rate:     rate,
		tokens:   float64(capacity),
		last:     clk.Now(),
	}
}

// Allow takes one token.
func (b *Bucket) Allow() bool {
	_, ok := b.Take(1)
	return ok
}

// Take removes n tokens when available. Otherwise it leaves the bucket
// untouched and returns how long the caller would have to wait.
func (b *Bucket) Take(n float64) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= n {
		b.tokens -= n
		return 0, true
	}
	if b.rate <= 0 || n > b.capacity {
		return -1, false
	}
	missing := n - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second)), false
}

func (b *Bucket) refill() {
	now := b.clk.Now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.last = now
}

// Available returns the whole tokens left.
func (b *Bucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return int64(b.tokens)
}

func (b *Bucket) idle(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Before(cutoff)
}

// Config holds per-peer limiter configuration.
type Config struct {
	// Capacity is the burst size of each peer.
	Capacity int64

	// Rate is the sustained requests per second of each peer.
	Rate float64

	// MaxPeers bounds tracked peers. Packets from new peers beyond it are
	// rejected. If 0, uses DefaultMaxPeers.
	MaxPeers int

	// IdleTimeout drops buckets unused for this long.
	// If 0, uses DefaultIdleTimeout.
	IdleTimeout time.Duration
}

// Limiter holds one bucket per peer host.
type Limiter struct {
	config Config
	clk    clockwork.Clock

	mu      sync.Mutex
	buckets map[netip.Addr]*Bucket
	sweep   clockwork.Timer
}

// NewLimiter creates a limiter and starts its idle sweep.
func NewLimiter(clk clockwork.Clock, cfg Config) *Limiter {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	l := &Limiter{
		config:  cfg,
		clk:     clk,
		buckets: make(map[netip.Addr]*Bucket),
	}
	l.sweep = clk.AfterFunc(cfg.IdleTimeout, l.cleanup)
	return l
}

// Allow takes one token from the bucket of peer.
func (l *Limiter) Allow(peer netip.Addr) bool {
	b, ok := l.bucket(peer.Unmap())
	return ok && b.Allow()
}

func (l *Limiter) bucket(peer netip.Addr) (*Bucket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[peer]; ok {
		return b, true
	}
	if len(l.buckets) >= l.config.MaxPeers {
		return nil, false
	}
	b := NewBucket(l.clk, l.config.Capacity, l.config.Rate)
	l.buckets[peer] = b
	return b, true
}

// Remove forgets peer.
func (l *Limiter) Remove(peer netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer.Unmap())
}

// cleanup drops buckets idle for IdleTimeout.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clk.Now().Add(-l.config.IdleTimeout)
	for k, b := range l.buckets {
		if b.idle(cutoff) {
			delete(l.buckets, k)
		}
	}
	if l.sweep != nil {
		l.sweep = l.clk.AfterFunc(l.config.IdleTimeout, l.cleanup)
	}
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the idle sweep.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sweep != nil {
		l.sweep.Stop()
		l.sweep = nil
	}
}
