// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"errors"
	"slices"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
)

// OptionID is an option number.
type OptionID = message.OptionID

// Option numbers for requests and responses.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	HopLimit      OptionID = 16
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	Echo          OptionID = 252
	NoResponse    OptionID = 258
	RequestTag    OptionID = 292
)

// Signalling option numbers. Their meaning depends on the signalling code.
const (
	MaxMessageSize    OptionID = 2 // CSM
	BlockWiseTransfer OptionID = 4 // CSM
	Custody           OptionID = 2 // Ping, Pong
	BadCSMOption      OptionID = 2 // Abort
)

// Content formats used by the engine.
const (
	TextPlain     uint32 = 0
	AppLinkFormat uint32 = 40
	AppOctets     uint32 = 42
	AppJSON       uint32 = 50
	AppCBOR       uint32 = 60
)

// ErrUintTooLong is returned when an integer option is longer than 4 bytes.
var ErrUintTooLong = errors.New("integer option longer than 4 bytes")

// IsCritical reports whether an unrecognised option id must cause rejection.
func IsCritical(id OptionID) bool {
	return id&0x01 != 0
}

// IsUnsafe reports whether a proxy must understand id to forward it.
func IsUnsafe(id OptionID) bool {
	return id&0x02 != 0
}

// IsNoCacheKey reports whether id is excluded from the cache key.
func IsNoCacheKey(id OptionID) bool {
	return id&0x1e == 0x1c
}

// Option is a single numbered option.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options holds options ordered by number. Repeated options keep their
// insertion order.
type Options []Option

// Add inserts an option after every option with a lower or equal number.
func (o *Options) Add(id OptionID, value []byte) {
	i := len(*o)
	for i > 0 && (*o)[i-1].ID > id {
		i--
	}
	*o = slices.Insert(*o, i, Option{ID: id, Value: value})
}

// Set replaces every option with the given number by a single value.
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

// Remove deletes every option with the given number.
func (o *Options) Remove(id OptionID) {
	*o = slices.DeleteFunc(*o, func(opt Option) bool { return opt.ID == id })
}

// Has reports whether an option with the given number is present.
func (o Options) Has(id OptionID) bool {
	for _, opt := range o {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Get returns the first value of the given option.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value of a repeatable option.
func (o Options) GetAll(id OptionID) [][]byte {
	var vals [][]byte
	for _, opt := range o {
		if opt.ID == id {
			vals = append(vals, opt.Value)
		}
	}
	return vals
}

// SetUint sets an integer option using its minimal encoding.
func (o *Options) SetUint(id OptionID, v uint32) {
	o.Set(id, EncodeUint(v))
}

// Uint returns the value of an integer option.
func (o Options) Uint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}
	n, err := DecodeUint(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Path returns the request path assembled from Uri-Path options, always
// starting with a slash.
func (o Options) Path() string {
	segs := o.GetAll(URIPath)
	if len(segs) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteByte('/')
		sb.Write(s)
	}
	return sb.String()
}

// SetPath replaces the Uri-Path options with the segments of p.
func (o *Options) SetPath(p string) {
	o.Remove(URIPath)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		o.Add(URIPath, []byte(seg))
	}
}

// Queries returns every Uri-Query value.
func (o Options) Queries() []string {
	var qs []string
	for _, v := range o.GetAll(URIQuery) {
		qs = append(qs, string(v))
	}
	return qs
}

// AddQuery appends a Uri-Query option.
func (o *Options) AddQuery(q string) {
	o.Add(URIQuery, []byte(q))
}

// Observe returns the Observe option value.
func (o Options) Observe() (uint32, bool) {
	return o.Uint(Observe)
}

// ContentFormat returns the Content-Format option value.
func (o Options) ContentFormat() (uint32, bool) {
	return o.Uint(ContentFormat)
}

// ETag returns the first ETag option value.
func (o Options) ETag() ([]byte, bool) {
	return o.Get(ETag)
}

// Block returns the decoded Block1 or Block2 option.
func (o Options) Block(id OptionID) (Block, bool, error) {
	v, ok := o.Get(id)
	if !ok {
		return Block{}, false, nil
	}
	b, err := DecodeBlock(v)
	if err != nil {
		return Block{}, true, err
	}
	return b, true, nil
}

// SetBlock sets a Block1 or Block2 option.
func (o *Options) SetBlock(id OptionID, b Block) {
	o.Set(id, b.Encode())
}

// EncodeUint returns the minimal big-endian encoding of v. Zero encodes to
// an empty value.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint decodes a big-endian integer option of up to 4 bytes.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrUintTooLong
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}
