// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker stops the engine from writing to a peer whose transport
// keeps failing. Time is measured in engine ticks, so a breaker is owned by
// the engine goroutine and is not safe for concurrent use.
package breaker

import (
	"errors"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
)

const (
	// DefaultMaxFailures is used when Config.MaxFailures is 0.
	DefaultMaxFailures = 5

	// DefaultResetTimeout is used when Config.ResetTimeout is 0.
	DefaultResetTimeout = 60 * time.Second

	// DefaultTrials is used when Config.Trials is 0.
	DefaultTrials = 2
)

// ErrCircuitOpen is returned by Allow while writes to the peer are suspended.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State uint8

const (
	// StateClosed lets every write through.
	StateClosed State = iota
	// StateHalfOpen lets writes through on trial.
	StateHalfOpen
	// StateOpen rejects writes until the reset timeout passes.
	StateOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateHalfOpen: "half_open",
	StateOpen:     "open",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Config holds breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failed writes that opens the
	// breaker.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before letting writes through on trial.
	ResetTimeout time.Duration

	// Trials is the number of successful writes in half-open state that
	// close the breaker again.
	Trials int
}

// Breaker tracks write outcomes for one session.
type Breaker struct {
	config   Config
	reset    clock.Tick
	state    State
	failures int
	trials   int
	since    clock.Tick
	notify   func(from, to State)
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Trials <= 0 {
		cfg.Trials = DefaultTrials
	}
	return &Breaker{
		config: cfg,
		reset:  clock.FromDuration(cfg.ResetTimeout),
	}
}

// Allow reports whether a write may go out at now. An open breaker whose
// reset timeout has passed moves to half-open and allows the write.
func (b *Breaker) Allow(now clock.Tick) error {
	if b.state != StateOpen {
		return nil
	}
	if now-b.since < b.reset {
		return ErrCircuitOpen
	}
	b.move(StateHalfOpen, now)
	return nil
}

// Record feeds the outcome of a write made at now.
func (b *Breaker) Record(now clock.Tick, err error) {
	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.trials++
			if b.trials >= b.config.Trials {
				b.move(StateClosed, now)
			}
		}
		return
	}

	b.failures++
	switch b.state {
	case StateHalfOpen:
		b.move(StateOpen, now)
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.move(StateOpen, now)
		}
	}
}

func (b *Breaker) move(to State, now clock.Tick) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.since = now
	b.trials = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.notify != nil {
		b.notify(from, to)
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	return b.state
}

// Failures returns the number of consecutive failed writes.
func (b *Breaker) Failures() int {
	return b.failures
}

// OnStateChange registers fn, called on every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.notify = fn
}
