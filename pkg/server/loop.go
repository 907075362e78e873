// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultQueueSize is the default capacity of the inbound packet queue.
	DefaultQueueSize = 1024
)

var (
	// ErrLoopClosed is returned by calls made after Run returned.
	ErrLoopClosed = errors.New("loop closed")

	// ErrQueueFull is returned by TryDeliver when the packet queue is full.
	ErrQueueFull = errors.New("packet queue full")
)

// Config holds the loop configuration.
type Config struct {
	// Clock drives engine time. Default is the real clock.
	Clock clockwork.Clock

	// QueueSize is the capacity of the inbound packet queue.
	// If 0, uses DefaultQueueSize.
	QueueSize int

	// Logger for loop events
	Logger *slog.Logger
}

type call struct {
	fn   func(e *engine.Engine, now clock.Tick)
	done chan struct{}
}

// Loop owns an engine and runs it on a single goroutine. Listeners hand it
// packets through Deliver; application code reaches the engine through Do.
type Loop struct {
	config Config
	mux    *Mux
	source *clock.Source
	engine *engine.Engine
	calls  chan call
	closed chan struct{}
}

// NewLoop creates a loop running e, whose transport must be mux. Build mux
// with NewMux(cfg.QueueSize) before the engine.
func NewLoop(cfg Config, e *engine.Engine, mux *Mux) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Loop{
		config: cfg,
		mux:    mux,
		source: clock.NewSource(cfg.Clock),
		engine: e,
		calls:  make(chan call),
		closed: make(chan struct{}),
	}
}

// Handle registers the sender serving protocol p.
func (l *Loop) Handle(p session.Protocol, s Sender) {
	l.mux.Handle(p, s)
}

// Unhandle unregisters the sender of p.
func (l *Loop) Unhandle(p session.Protocol) {
	l.mux.Remove(p)
}

// Now returns the current engine tick.
func (l *Loop) Now() clock.Tick {
	return l.source.Now()
}

// Deliver queues pkt for the engine, blocking while the queue is full.
func (l *Loop) Deliver(ctx context.Context, pkt engine.Packet) error {
	select {
	case <-l.closed:
		return ErrLoopClosed
	default:
	}
	select {
	case l.mux.inbox <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLoopClosed
	}
}

// TryDeliver queues pkt without blocking.
func (l *Loop) TryDeliver(pkt engine.Packet) error {
	select {
	case <-l.closed:
		return ErrLoopClosed
	default:
	}
	select {
	case l.mux.inbox <- pkt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Do runs fn on the loop goroutine and waits for it to return. Timers are
// re-armed afterwards, so fn may send requests or notify observers.
func (l *Loop) Do(ctx context.Context, fn func(e *engine.Engine, now clock.Tick)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case l.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrLoopClosed
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes packets, calls and timers until ctx is cancelled. On exit
// every session is closed, which tells stream peers with a Release.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.closed)

	clk := l.config.Clock
	wait := l.engine.Advance(l.source.Now())
	timer := clk.NewTimer(wait)
	defer timer.Stop()

	l.config.Logger.Info("engine loop started",
		slog.Int("queue_size", cap(l.mux.inbox)))

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case pkt := <-l.mux.inbox:
			now := l.source.Now()
			l.engine.HandlePacket(pkt, now)
			wait = l.engine.Process(now)
		case c := <-l.calls:
			now := l.source.Now()
			c.fn(l.engine, now)
			close(c.done)
			wait = l.engine.Advance(now)
		case <-timer.Chan():
			wait = l.engine.Advance(l.source.Now())
		}
		resetTimer(timer, wait)
	}
}

func (l *Loop) shutdown() {
	now := l.source.Now()
	sessions := l.engine.Sessions()
	for _, s := range sessions {
		l.engine.CloseSession(s, now)
	}
	l.config.Logger.Info("engine loop stopped",
		slog.Int("sessions_closed", len(sessions)))
}

func resetTimer(t clockwork.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
	t.Reset(d)
}
