// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
)

const (
	// Version is the only protocol version accepted on datagram transports.
	Version = 1

	// MaxTokenLength is the largest token in bytes.
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload.
	PayloadMarker = 0xFF

	// DefaultMaxMessageSize bounds a single message when no size was
	// negotiated.
	DefaultMaxMessageSize = 8*1024*1024 + 256

	// MaxOptionLength is the longest value the length nibble can express.
	MaxOptionLength = 65535 + 269

	datagramHeaderLen = 4
)

// Stream length nibble extension offsets.
const (
	streamExt8  = 13
	streamExt16 = 269
	streamExt32 = 65805
)

var (
	// ErrParse is wrapped by every decoding failure.
	ErrParse = errors.New("malformed message")

	// ErrMessageTooLarge is returned when a message exceeds the size limit.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrTokenTooLong is returned when encoding a token over 8 bytes.
	ErrTokenTooLong = errors.New("token longer than 8 bytes")

	// ErrOptionTooLong is returned when encoding an oversized option value.
	ErrOptionTooLong = errors.New("option value too long")

	// ErrShortFrame is returned by FrameSize when the length prefix is
	// not complete yet.
	ErrShortFrame = errors.New("incomplete frame header")
)

// ParseError describes where decoding stopped.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed message at offset %d: %s", e.Offset, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

func parseErr(off int, reason string) error {
	return &ParseError{Offset: off, Reason: reason}
}

// Transport selects the header layout.
type Transport uint8

const (
	// Datagram is the 4-byte UDP/DTLS header with message id.
	Datagram Transport = iota
	// Stream is the length-prefixed TCP/TLS header.
	Stream
	// WebSocket is the stream header with the length carried by the frame.
	WebSocket
)

func (t Transport) String() string {
	switch t {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	case WebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Reliable reports whether the transport delivers in order without loss.
func (t Transport) Reliable() bool {
	return t != Datagram
}

// Codec encodes and decodes messages for one transport under a size limit.
type Codec struct {
	Transport Transport
	// MaxSize bounds encoded and decoded messages. Zero means
	// DefaultMaxMessageSize.
	MaxSize int
}

// Encode serialises m for transport t with the default size limit.
func Encode(m *Message, t Transport) ([]byte, error) {
	return Codec{Transport: t}.Encode(m)
}

// Decode parses data for transport t with the default size limit.
func Decode(data []byte, t Transport) (*Message, error) {
	return Codec{Transport: t}.Decode(data)
}

func (c Codec) maxSize() int {
	if c.MaxSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxSize
}

// Encode serialises m.
func (c Codec) Encode(m *Message) ([]byte, error) {
	tkl := len(m.Token)
	if tkl > MaxTokenLength {
		return nil, ErrTokenTooLong
	}
	body, err := appendBody(nil, m)
	if err != nil {
		return nil, err
	}

	var buf []byte
	switch c.Transport {
	case Datagram:
		if m.Type < Confirmable || m.Type > Reset {
			return nil, fmt.Errorf("invalid message type %d", m.Type)
		}
		buf = make([]byte, 0, datagramHeaderLen+tkl+len(body))
		buf = append(buf, Version<<6|byte(m.Type)<<4|byte(tkl), byte(m.Code))
		buf = binary.BigEndian.AppendUint16(buf, m.MessageID)
	case Stream:
		n := len(body)
		buf = make([]byte, 0, 6+tkl+n)
		switch {
		case n < streamExt8:
			buf = append(buf, byte(n)<<4|byte(tkl))
		case n < streamExt16:
			buf = append(buf, 13<<4|byte(tkl), byte(n-streamExt8))
		case n < streamExt32:
			buf = append(buf, 14<<4|byte(tkl))
			buf = binary.BigEndian.AppendUint16(buf, uint16(n-streamExt16))
		default:
			buf = append(buf, 15<<4|byte(tkl))
			buf = binary.BigEndian.AppendUint32(buf, uint32(n-streamExt32))
		}
		buf = append(buf, byte(m.Code))
	case WebSocket:
		buf = make([]byte, 0, 2+tkl+len(body))
		buf = append(buf, byte(tkl), byte(m.Code))
	default:
		return nil, fmt.Errorf("unknown transport %d", c.Transport)
	}
	buf = append(buf, m.Token...)
	buf = append(buf, body...)
	if len(buf) > c.maxSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(buf), c.maxSize())
	}
	return buf, nil
}

func appendBody(buf []byte, m *Message) ([]byte, error) {
	opts := slices.Clone(m.Options)
	slices.SortStableFunc(opts, func(a, b Option) int { return int(a.ID) - int(b.ID) })

	var prev OptionID
	for _, o := range opts {
		if len(o.Value) > MaxOptionLength {
			return nil, fmt.Errorf("%w: option %d has %d bytes", ErrOptionTooLong, o.ID, len(o.Value))
		}
		delta := uint32(o.ID - prev)
		length := uint32(len(o.Value))
		dn, dext := nibble(delta)
		ln, lext := nibble(length)
		buf = append(buf, dn<<4|ln)
		buf = append(buf, dext...)
		buf = append(buf, lext...)
		buf = append(buf, o.Value...)
		prev = o.ID
	}
	if len(m.Payload) > 0 {
		buf = append(buf, PayloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func nibble(v uint32) (byte, []byte) {
	switch {
	case v < 13:
		return byte(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// Decode parses a complete message.
func (c Codec) Decode(data []byte) (*Message, error) {
	if len(data) > c.maxSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.maxSize())
	}
	data = bytes.Clone(data)

	switch c.Transport {
	case Datagram:
		return decodeDatagram(data)
	case Stream:
		return c.decodeStream(data)
	case WebSocket:
		return decodeWebSocket(data)
	default:
		return nil, fmt.Errorf("unknown transport %d", c.Transport)
	}
}

func decodeDatagram(data []byte) (*Message, error) {
	if len(data) < datagramHeaderLen {
		return nil, parseErr(0, "short header")
	}
	if data[0]>>6 != Version {
		return nil, parseErr(0, "unsupported version")
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, parseErr(0, "token length over 8")
	}
	m := &Message{
		Type:      Type((data[0] >> 4) & 0x03),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	pos := datagramHeaderLen
	if len(data) < pos+tkl {
		return nil, parseErr(pos, "truncated token")
	}
	if tkl > 0 {
		m.Token = data[pos : pos+tkl]
	}
	pos += tkl
	if m.Code == Empty && len(data) > datagramHeaderLen {
		return nil, parseErr(datagramHeaderLen, "empty message with content")
	}
	if err := decodeBody(data, pos, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c Codec) decodeStream(data []byte) (*Message, error) {
	hdr, bodyLen, err := streamHeader(data)
	if err != nil {
		if errors.Is(err, ErrShortFrame) {
			return nil, parseErr(len(data), "short header")
		}
		return nil, err
	}
	if hdr+bodyLen > c.maxSize() {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, hdr+bodyLen, c.maxSize())
	}
	if len(data) != hdr+bodyLen {
		return nil, parseErr(0, "frame length mismatch")
	}
	tkl := int(data[0] & 0x0f)
	m := &Message{
		Code: Code(data[hdr-tkl-1]),
	}
	if tkl > 0 {
		m.Token = data[hdr-tkl : hdr]
	}
	if err := decodeBody(data, hdr, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeWebSocket(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, parseErr(0, "short header")
	}
	if data[0]>>4 != 0 {
		return nil, parseErr(0, "non-zero length nibble")
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return nil, parseErr(0, "token length over 8")
	}
	if len(data) < 2+tkl {
		return nil, parseErr(2, "truncated token")
	}
	m := &Message{Code: Code(data[1])}
	if tkl > 0 {
		m.Token = data[2 : 2+tkl]
	}
	if err := decodeBody(data, 2+tkl, m); err != nil {
		return nil, err
	}
	return m, nil
}

// streamHeader returns the header length (including token) and the body
// length announced by a stream header.
func streamHeader(data []byte) (int, int, error) {
	if len(data) < 1 {
		return 0, 0, ErrShortFrame
	}
	l := data[0] >> 4
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLength {
		return 0, 0, parseErr(0, "token length over 8")
	}
	var ext int
	switch l {
	case 13:
		ext = 1
	case 14:
		ext = 2
	case 15:
		ext = 4
	}
	if len(data) < 1+ext {
		return 0, 0, ErrShortFrame
	}
	var n int
	switch l {
	case 13:
		n = int(data[1]) + streamExt8
	case 14:
		n = int(binary.BigEndian.Uint16(data[1:3])) + streamExt16
	case 15:
		n = int(binary.BigEndian.Uint32(data[1:5])) + streamExt32
	default:
		n = int(l)
	}
	return 1 + ext + 1 + tkl, n, nil
}

// FrameSize returns the total size of the stream frame starting at data.
// It returns ErrShortFrame until the length prefix is complete.
func FrameSize(data []byte) (int, error) {
	hdr, n, err := streamHeader(data)
	if err != nil {
		return 0, err
	}
	return hdr + n, nil
}

// ReadFrame reads one stream frame from r. The announced length is checked
// against maxSize before the frame buffer is allocated.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	ext := 0
	switch head[0] >> 4 {
	case 13:
		ext = 1
	case 14:
		ext = 2
	case 15:
		ext = 4
	}
	if ext > 0 {
		if _, err := io.ReadFull(r, head[1:1+ext]); err != nil {
			return nil, err
		}
	}
	total, err := FrameSize(head[:1+ext])
	if err != nil {
		return nil, err
	}
	if total > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, total, maxSize)
	}
	frame := make([]byte, total)
	copy(frame, head[:1+ext])
	if _, err := io.ReadFull(r, frame[1+ext:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// PeekHeader extracts type and message id from a datagram that may be
// otherwise malformed.
func PeekHeader(data []byte) (Type, uint16, bool) {
	if len(data) < datagramHeaderLen || data[0]>>6 != Version {
		return 0, 0, false
	}
	return Type((data[0] >> 4) & 0x03), binary.BigEndian.Uint16(data[2:4]), true
}

func decodeBody(data []byte, pos int, m *Message) error {
	var num uint32
	for pos < len(data) {
		b := data[pos]
		if b == PayloadMarker {
			pos++
			if pos == len(data) {
				return parseErr(pos, "payload marker without payload")
			}
			m.Payload = data[pos:]
			return nil
		}
		start := pos
		pos++
		delta, next, err := extend(data, pos, b>>4)
		if err != nil {
			return err
		}
		length, next, err := extend(data, next, b&0x0f)
		if err != nil {
			return err
		}
		pos = next
		num += delta
		if num > 0xffff {
			return parseErr(start, "option number overflow")
		}
		if len(data)-pos < int(length) {
			return parseErr(pos, "truncated option value")
		}
		m.Options = append(m.Options, Option{ID: OptionID(num), Value: data[pos : pos+int(length)]})
		pos += int(length)
	}
	return nil
}

func extend(data []byte, pos int, nib byte) (uint32, int, error) {
	switch nib {
	case 13:
		if pos >= len(data) {
			return 0, pos, parseErr(pos, "truncated option extension")
		}
		return uint32(data[pos]) + 13, pos + 1, nil
	case 14:
		if pos+2 > len(data) {
			return 0, pos, parseErr(pos, "truncated option extension")
		}
		return uint32(binary.BigEndian.Uint16(data[pos:pos+2])) + 269, pos + 2, nil
	case 15:
		return 0, pos, parseErr(pos-1, "reserved option nibble")
	default:
		return uint32(nib), pos, nil
	}
}
