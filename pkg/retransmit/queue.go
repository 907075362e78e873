// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package retransmit

import (
	"bytes"
	"container/heap"
	"math/rand/v2"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// fractionScale is the fixed-point scale of the random factor.
const fractionScale = 1000

// Entry is a confirmable message waiting for its acknowledgement.
type Entry struct {
	Session *session.Session
	Message *message.Message
	// Data is the encoded message, resent verbatim.
	Data []byte
	// Fire is the absolute tick of the next transmission.
	Fire clock.Tick
	// Timeout is the jittered base timeout; the k-th retry waits Timeout<<k.
	Timeout clock.Tick
	// Retries counts retransmissions sent so far.
	Retries int
	// Context is attached by the engine to route the outcome.
	Context any

	index int
}

type entryHeap []*Entry

func (h *entryHeap) Len() int {
	return len(*h)
}

func (h *entryHeap) Less(i, j int) bool {
	return (*h)[i].Fire < (*h)[j].Fire
}

func (h *entryHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].index = i
	(*h)[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type midKey struct {
	key session.Key
	mid uint16
}

// Queue orders outstanding confirmable messages by fire tick. It is not
// safe for concurrent use.
type Queue struct {
	heap      entryHeap
	byMID     map[midKey]*Entry
	bySession map[session.Key]int
	rand      *rand.Rand
}

// New creates an empty queue drawing jitter from r.
func New(r *rand.Rand) *Queue {
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Queue{
		byMID:     make(map[midKey]*Entry),
		bySession: make(map[session.Key]int),
		rand:      r,
	}
}

// InitialTimeout applies the random factor to the ack timeout as
// ack + ack*(factor-1)*r/256 using fixed-point arithmetic.
func InitialTimeout(p session.Params, r uint8) clock.Tick {
	ack := int64(clock.FromDuration(p.AckTimeout))
	frac := int64((p.AckRandomFactor - 1) * fractionScale)
	if frac < 0 {
		frac = 0
	}
	return clock.Tick(ack + ack*frac*int64(r)/(fractionScale*256))
}

// Add schedules the first retransmission of m, already sent at now.
func (q *Queue) Add(s *session.Session, m *message.Message, data []byte, now clock.Tick, ctx any) *Entry {
	timeout := InitialTimeout(s.Params, uint8(q.rand.UintN(256)))
	e := &Entry{
		Session: s,
		Message: m,
		Data:    data,
		Fire:    now + timeout,
		Timeout: timeout,
		Context: ctx,
	}
	k := midKey{key: s.Key, mid: m.MessageID}
	if old, ok := q.byMID[k]; ok {
		q.remove(old)
	}
	heap.Push(&q.heap, e)
	q.byMID[k] = e
	q.bySession[s.Key]++
	return e
}

// Find returns the entry for a message id.
func (q *Queue) Find(k session.Key, mid uint16) (*Entry, bool) {
	e, ok := q.byMID[midKey{key: k, mid: mid}]
	return e, ok
}

// Remove drops the entry matching an ACK or RST.
func (q *Queue) Remove(k session.Key, mid uint16) (*Entry, bool) {
	e, ok := q.byMID[midKey{key: k, mid: mid}]
	if !ok {
		return nil, false
	}
	q.remove(e)
	return e, true
}

// RemoveToken drops every entry of the session carrying token.
func (q *Queue) RemoveToken(k session.Key, token []byte) []*Entry {
	var out []*Entry
	for _, e := range q.heap {
		if e.Session.Key == k && bytes.Equal(e.Message.Token, token) {
			out = append(out, e)
		}
	}
	for _, e := range out {
		q.remove(e)
	}
	return out
}

// RemoveSession drops every entry of the session.
func (q *Queue) RemoveSession(k session.Key) []*Entry {
	var out []*Entry
	for _, e := range q.heap {
		if e.Session.Key == k {
			out = append(out, e)
		}
	}
	for _, e := range out {
		q.remove(e)
	}
	return out
}

func (q *Queue) remove(e *Entry) {
	if e.index >= 0 && e.index < len(q.heap) && q.heap[e.index] == e {
		heap.Remove(&q.heap, e.index)
	}
	delete(q.byMID, midKey{key: e.Session.Key, mid: e.Message.MessageID})
	if n := q.bySession[e.Session.Key] - 1; n > 0 {
		q.bySession[e.Session.Key] = n
	} else {
		delete(q.bySession, e.Session.Key)
	}
}

// Inherit moves the retry count and base timeout of prev, no longer queued,
// onto the entry for mid, sent at now in its place.
func (q *Queue) Inherit(k session.Key, mid uint16, prev *Entry, now clock.Tick) bool {
	e, ok := q.byMID[midKey{key: k, mid: mid}]
	if !ok {
		return false
	}
	e.Retries = prev.Retries
	e.Timeout = prev.Timeout
	e.Fire = now + e.Timeout<<e.Retries
	heap.Fix(&q.heap, e.index)
	return true
}

// Pending returns the number of entries of the session.
func (q *Queue) Pending(k session.Key) int {
	return q.bySession[k]
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	return len(q.heap)
}

// Next returns the earliest fire tick.
func (q *Queue) Next() (clock.Tick, bool) {
	if len(q.heap) == 0 {
		return clock.Never, false
	}
	return q.heap[0].Fire, true
}

// Advance pops every entry due at now. Entries with retries left are
// rescheduled with a doubled wait and returned in resend; the rest are
// dropped and returned in exhausted.
func (q *Queue) Advance(now clock.Tick) (resend, exhausted []*Entry) {
	for len(q.heap) > 0 && q.heap[0].Fire <= now {
		e := q.heap[0]
		if e.Retries >= e.Session.Params.MaxRetransmit {
			q.remove(e)
			exhausted = append(exhausted, e)
			continue
		}
		e.Retries++
		e.Fire = now + e.Timeout<<e.Retries
		heap.Fix(&q.heap, 0)
		resend = append(resend, e)
	}
	return resend, exhausted
}
