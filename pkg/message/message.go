// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Type is the message type carried in the datagram header.
type Type = message.Type

const (
	Confirmable     = message.Confirmable
	NonConfirmable  = message.NonConfirmable
	Acknowledgement = message.Acknowledgement
	Reset           = message.Reset
)

// Code is a request method, response status or signalling code.
type Code = codes.Code

// Method codes.
const (
	Empty  Code = 0x00
	GET    Code = 0x01
	POST   Code = 0x02
	PUT    Code = 0x03
	DELETE Code = 0x04
	FETCH  Code = 0x05
	PATCH  Code = 0x06
	IPATCH Code = 0x07
)

// Response codes.
const (
	Created                  Code = 0x41
	Deleted                  Code = 0x42
	Valid                    Code = 0x43
	Changed                  Code = 0x44
	Content                  Code = 0x45
	Continue                 Code = 0x5f
	BadRequest               Code = 0x80
	Unauthorized             Code = 0x81
	BadOption                Code = 0x82
	Forbidden                Code = 0x83
	NotFound                 Code = 0x84
	MethodNotAllowed         Code = 0x85
	NotAcceptable            Code = 0x86
	RequestEntityIncomplete  Code = 0x88
	Conflict                 Code = 0x89
	PreconditionFailed       Code = 0x8c
	RequestEntityTooLarge    Code = 0x8d
	UnsupportedContentFormat Code = 0x8f
	TooManyRequests          Code = 0x9d
	InternalServerError      Code = 0xa0
	NotImplemented           Code = 0xa1
	ServiceUnavailable       Code = 0xa3
	ProxyingNotSupported     Code = 0xa5
)

// Signalling codes, valid on stream transports only.
const (
	CSM     Code = 0xe1
	Ping    Code = 0xe2
	Pong    Code = 0xe3
	Release Code = 0xe4
	Abort   Code = 0xe5
)

// CodeClass returns the class digit of c (the "c" in c.dd).
func CodeClass(c Code) uint8 {
	return uint8(c) >> 5
}

// CodeString formats c in dotted c.dd notation.
func CodeString(c Code) string {
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f)
}

// Message is a single protocol data unit.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte
}

// IsEmpty reports whether m carries code 0.00 (ACK, RST or ping).
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// IsRequest reports whether m carries a method code.
func (m *Message) IsRequest() bool {
	return m.Code != Empty && CodeClass(m.Code) == 0
}

// IsResponse reports whether m carries a response code.
func (m *Message) IsResponse() bool {
	c := CodeClass(m.Code)
	return c >= 2 && c <= 5
}

// IsSignal reports whether m is a stream signalling message.
func (m *Message) IsSignal() bool {
	return CodeClass(m.Code) == 7
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     bytes.Clone(m.Token),
		Payload:   bytes.Clone(m.Payload),
	}
	if len(m.Options) > 0 {
		c.Options = make(Options, len(m.Options))
		for i, o := range m.Options {
			c.Options[i] = Option{ID: o.ID, Value: bytes.Clone(o.Value)}
		}
	}
	return c
}

// String returns a short human-readable summary used in logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x path=%s payload=%dB",
		m.Type, CodeString(m.Code), m.MessageID, m.Token, m.Options.Path(), len(m.Payload))
}
