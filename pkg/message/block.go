// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import "errors"

const (
	// MaxSZX is the largest size exponent (1024 byte blocks).
	MaxSZX = 6

	// BERTSZX marks BERT blocks on stream transports. It is not supported.
	BERTSZX = 7

	// MaxBlockNum is the largest block number a 3-byte option can carry.
	MaxBlockNum = 1<<20 - 1
)

var (
	// ErrInvalidBlock is returned for malformed Block1/Block2 values.
	ErrInvalidBlock = errors.New("invalid block option")
)

// Block is a decoded Block1 or Block2 option.
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size returns the block size in bytes.
func (b Block) Size() int {
	return SZXToSize(b.SZX)
}

// Offset returns the byte offset of the block within the body.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// Encode packs the block into its option value.
func (b Block) Encode() []byte {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 0x08
	}
	return EncodeUint(v)
}

// DecodeBlock unpacks a Block option value of 0 to 3 bytes.
func DecodeBlock(v []byte) (Block, error) {
	if len(v) > 3 {
		return Block{}, ErrInvalidBlock
	}
	n, err := DecodeUint(v)
	if err != nil {
		return Block{}, ErrInvalidBlock
	}
	b := Block{
		Num:  n >> 4,
		More: n&0x08 != 0,
		SZX:  uint8(n & 0x07),
	}
	if b.SZX == BERTSZX {
		return Block{}, ErrInvalidBlock
	}
	return b, nil
}

// SZXToSize converts a size exponent to bytes.
func SZXToSize(szx uint8) int {
	return 1 << (szx + 4)
}

// SizeToSZX returns the largest exponent whose block fits in size bytes.
// Sizes below 16 map to 0.
func SizeToSZX(size int) uint8 {
	var szx uint8
	for szx < MaxSZX && SZXToSize(szx+1) <= size {
		szx++
	}
	return szx
}
