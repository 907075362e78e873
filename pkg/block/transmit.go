// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"errors"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
)

// ErrBlockOutOfRange is returned when a requested block starts past the
// end of the body.
var ErrBlockOutOfRange = errors.New("block beyond end of body")

// ReleaseFunc frees an application-owned body. It is called exactly once
// per transfer with the pointer supplied alongside the body.
type ReleaseFunc func(app any)

// Transmit is an outbound body split into blocks.
type Transmit struct {
	// Option is Block1 for request bodies and Block2 for response bodies.
	Option message.OptionID
	Body   []byte
	// Offset is the first byte not yet acknowledged.
	Offset int
	// SZX is the size exponent of the next block.
	SZX uint8
	// LastAcked is the number of the last acknowledged block, -1 if none.
	LastAcked int
	// Skeleton is the message every block is cloned from.
	Skeleton *message.Message
	ETag     []byte
	LastUsed clock.Tick

	release  ReleaseFunc
	app      any
	released bool
}

// NewTransmit prepares body for blockwise sending.
func NewTransmit(opt message.OptionID, body []byte, szx uint8, skeleton *message.Message, release ReleaseFunc, app any, now clock.Tick) *Transmit {
	if szx > message.MaxSZX {
		szx = message.MaxSZX
	}
	return &Transmit{
		Option:    opt,
		Body:      body,
		SZX:       szx,
		LastAcked: -1,
		Skeleton:  skeleton,
		LastUsed:  now,
		release:   release,
		app:       app,
	}
}

// Len returns the body length.
func (t *Transmit) Len() int {
	return len(t.Body)
}

// Done reports whether every byte has been acknowledged.
func (t *Transmit) Done() bool {
	return t.Offset >= len(t.Body)
}

// Chunk returns block num at size exponent szx, as requested by a peer.
func (t *Transmit) Chunk(num uint32, szx uint8) ([]byte, message.Block, error) {
	size := message.SZXToSize(szx)
	start := int(num) * size
	if start > len(t.Body) || (start == len(t.Body) && start > 0) {
		return nil, message.Block{}, ErrBlockOutOfRange
	}
	end := min(start+size, len(t.Body))
	return t.Body[start:end], message.Block{Num: num, More: end < len(t.Body), SZX: szx}, nil
}

// Next returns the block starting at Offset.
func (t *Transmit) Next() ([]byte, message.Block) {
	num := uint32(t.Offset / message.SZXToSize(t.SZX))
	payload, b, _ := t.Chunk(num, t.SZX)
	return payload, b
}

// Ack records the acknowledgement of block num, sent at the current size.
// A smaller szx in the acknowledgement applies to every later block.
// Acknowledgements for anything but the outstanding block are ignored.
// It reports whether the cursor moved.
func (t *Transmit) Ack(num uint32, szx uint8, now clock.Tick) bool {
	if t.Done() {
		return false
	}
	size := message.SZXToSize(t.SZX)
	if int(num) != t.Offset/size {
		return false
	}
	t.Offset = min((int(num)+1)*size, len(t.Body))
	t.LastAcked = int(num)
	t.LastUsed = now
	if szx < t.SZX {
		t.SZX = szx
	}
	return true
}

// Release hands the body back to its owner. Later calls do nothing.
func (t *Transmit) Release() {
	if t.released {
		return
	}
	t.released = true
	if t.release != nil {
		t.release(t.app)
	}
}

// Released reports whether Release has run.
func (t *Transmit) Released() bool {
	return t.released
}
