// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"fmt"

	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
)

// Result is the outcome of adding a block to a reassembly.
type Result int

const (
	// Partial means more blocks are needed.
	Partial Result = iota
	// Duplicate means the block was already recorded.
	Duplicate
	// Complete means the body is fully reassembled.
	Complete
)

func (r Result) String() string {
	switch r {
	case Partial:
		return "partial"
	case Duplicate:
		return "duplicate"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// reassembly is the buffer shared by server and client receives.
type reassembly struct {
	Body     []byte
	Ranges   RangeSet
	SZX      uint8
	TotalLen int
	LastUsed clock.Tick

	final int
}

func newReassembly(now clock.Tick) reassembly {
	return reassembly{TotalLen: -1, final: -1, LastUsed: now}
}

func (r *reassembly) reset() {
	r.Body = r.Body[:0]
	r.Ranges.Reset()
	r.TotalLen = -1
	r.final = -1
}

func (r *reassembly) add(b message.Block, payload []byte, maxBody int, path string) (Result, error) {
	offset := b.Offset()
	end := offset + len(payload)
	if maxBody > 0 && (end > maxBody || r.TotalLen > maxBody) {
		return Partial, &mcoaperrors.BlockError{
			Reason: mcoaperrors.BlockTooLarge,
			Path:   path,
			Detail: fmt.Sprintf("%d bytes exceed limit %d", max(end, r.TotalLen), maxBody),
		}
	}
	if b.More && len(payload) != b.Size() {
		return Partial, &mcoaperrors.BlockError{
			Reason: mcoaperrors.BlockIncomplete,
			Path:   path,
			Detail: fmt.Sprintf("block %d carries %d bytes, want %d", b.Num, len(payload), b.Size()),
		}
	}
	if len(payload) > 0 && r.Ranges.Contains(offset, end) {
		return Duplicate, nil
	}
	if r.final >= 0 && end > r.final {
		return Partial, &mcoaperrors.BlockError{
			Reason: mcoaperrors.BlockIncomplete,
			Path:   path,
			Detail: fmt.Sprintf("block %d ends past final offset %d", b.Num, r.final),
		}
	}

	if end > len(r.Body) {
		if end > cap(r.Body) {
			grown := make([]byte, end, max(end, r.TotalLen, 2*cap(r.Body)))
			copy(grown, r.Body)
			r.Body = grown
		} else {
			r.Body = r.Body[:end]
		}
	}
	copy(r.Body[offset:end], payload)
	r.Ranges.Add(offset, end)
	r.SZX = b.SZX

	if !b.More {
		if r.TotalLen >= 0 && r.TotalLen != end {
			return Partial, &mcoaperrors.BlockError{
				Reason: mcoaperrors.BlockIncomplete,
				Path:   path,
				Detail: fmt.Sprintf("final block ends at %d, size advertised %d", end, r.TotalLen),
			}
		}
		r.final = end
		r.Body = r.Body[:end]
	}
	if r.final >= 0 && r.Ranges.Covers(r.final) {
		return Complete, nil
	}
	return Partial, nil
}

// Received returns the contiguous byte count from the start of the body.
func (r *reassembly) Received() int {
	return r.Ranges.Prefix()
}

// ServerReceive reassembles a Block1 request body.
type ServerReceive struct {
	reassembly

	Path          string
	RequestTag    []byte
	ContentFormat uint32
	HasFormat     bool
	// Token is bound by the first block recorded. Blocks of one request
	// share it.
	Token []byte
	// LastToken and LastMID identify the request carrying the latest block;
	// the final response answers it.
	LastToken []byte
	LastMID   uint16
	MaxBody   int
}

// NewServerReceive starts reassembly of a request body for path.
func NewServerReceive(path string, rtag []byte, maxBody int, now clock.Tick) *ServerReceive {
	return &ServerReceive{
		reassembly: newReassembly(now),
		Path:       path,
		RequestTag: bytes.Clone(rtag),
		MaxBody:    maxBody,
	}
}

// Add records a block of req. size1 is the advertised total, or -1.
// Blocks may arrive out of order; a final block that leaves gaps keeps the
// reassembly partial until the gaps fill.
func (r *ServerReceive) Add(req *message.Message, b message.Block, size1 int, now clock.Tick) (Result, error) {
	if size1 >= 0 {
		if r.TotalLen >= 0 && r.TotalLen != size1 {
			return Partial, &mcoaperrors.BlockError{
				Reason: mcoaperrors.BlockIncomplete,
				Path:   r.Path,
				Detail: fmt.Sprintf("size changed from %d to %d", r.TotalLen, size1),
			}
		}
		r.TotalLen = size1
	}
	if cf, ok := req.Options.ContentFormat(); ok {
		if r.HasFormat && cf != r.ContentFormat {
			return Partial, &mcoaperrors.BlockError{
				Reason: mcoaperrors.BlockIncomplete,
				Path:   r.Path,
				Detail: "content format changed mid-transfer",
			}
		}
		r.ContentFormat, r.HasFormat = cf, true
	}
	res, err := r.add(b, req.Payload, r.MaxBody, r.Path)
	if err != nil {
		return res, err
	}
	if r.Token == nil {
		r.Token = bytes.Clone(req.Token)
		if r.Token == nil {
			r.Token = []byte{}
		}
	}
	r.LastToken = bytes.Clone(req.Token)
	r.LastMID = req.MessageID
	r.LastUsed = now
	return res, nil
}

// Owns reports whether token belongs to the request being reassembled. A
// reassembly with no block recorded yet owns every token.
func (r *ServerReceive) Owns(token []byte) bool {
	return r.Token == nil || bytes.Equal(r.Token, token)
}

// ClientReceive reassembles a Block2 response body.
type ClientReceive struct {
	reassembly

	// Token is the application token of the originating request.
	Token []byte
	// Request is the request re-sent for each further block.
	Request       *message.Message
	ETag          []byte
	HasETag       bool
	ContentFormat uint32
	HasFormat     bool
	Observe       uint32
	HasObserve    bool
	MaxBody       int
}

// NewClientReceive starts reassembly of the response to req.
func NewClientReceive(req *message.Message, maxBody int, now clock.Tick) *ClientReceive {
	return &ClientReceive{
		reassembly: newReassembly(now),
		Token:      bytes.Clone(req.Token),
		Request:    req.Clone(),
		MaxBody:    maxBody,
	}
}

// Add records a block of resp. A changed ETag discards what was collected
// and starts over; restarted is true in that case and the caller must
// fetch from block zero unless b is block zero.
func (r *ClientReceive) Add(resp *message.Message, b message.Block, now clock.Tick) (res Result, restarted bool, err error) {
	if etag, ok := resp.Options.ETag(); ok {
		if r.HasETag && !bytes.Equal(etag, r.ETag) {
			r.reset()
			restarted = true
		}
		r.ETag, r.HasETag = bytes.Clone(etag), true
	}
	if v, ok := resp.Options.Observe(); ok {
		r.Observe, r.HasObserve = v, true
	}
	if cf, ok := resp.Options.ContentFormat(); ok {
		r.ContentFormat, r.HasFormat = cf, true
	}
	if size2, ok := resp.Options.Uint(message.Size2); ok && r.TotalLen < 0 {
		r.TotalLen = int(size2)
	}
	r.LastUsed = now
	if restarted && b.Num != 0 {
		return Partial, true, nil
	}
	res, err = r.add(b, resp.Payload, r.MaxBody, r.Request.Options.Path())
	return res, restarted, err
}

// NextNum returns the block number to request next at size exponent szx.
func (r *ClientReceive) NextNum(szx uint8) uint32 {
	return uint32(r.Received() / message.SZXToSize(szx))
}
