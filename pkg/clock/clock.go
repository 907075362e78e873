// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the abstract monotonic tick consumed by the engine.
//
// A Tick counts milliseconds from an arbitrary origin. The engine never reads
// wall-clock time; the embedding loop converts its clock into ticks through
// a Source, which makes every timer testable with a fake clock.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Tick is a monotonic millisecond counter.
type Tick int64

// Never is a tick that is never reached.
const Never Tick = 1<<63 - 1

// FromDuration converts d to ticks, truncating sub-millisecond precision.
func FromDuration(d time.Duration) Tick {
	return Tick(d / time.Millisecond)
}

// Duration converts t to a duration.
func (t Tick) Duration() time.Duration {
	return time.Duration(t) * time.Millisecond
}

// Add returns t advanced by d, saturating at Never.
func (t Tick) Add(d time.Duration) Tick {
	n := t + FromDuration(d)
	if n < t {
		return Never
	}
	return n
}

// Source converts a clockwork clock into ticks relative to its creation.
type Source struct {
	clk   clockwork.Clock
	start time.Time
}

// NewSource starts counting ticks from clk's current time.
func NewSource(clk clockwork.Clock) *Source {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Source{clk: clk, start: clk.Now()}
}

// Now returns the ticks elapsed since the source was created.
func (s *Source) Now() Tick {
	return FromDuration(s.clk.Since(s.start))
}

// Clock returns the underlying clock.
func (s *Source) Clock() clockwork.Clock {
	return s.clk
}
