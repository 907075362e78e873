// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message implements the wire format of constrained application
// protocol messages for datagram, stream and WebSocket transports.
//
// # Layouts
//
// Datagram (UDP, DTLS):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|Ver| T |  TKL  |      Code     |          Message ID           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Token (TKL bytes) ...
//	|   Options ...
//	|1 1 1 1 1 1 1 1|    Payload ...
//
// Stream (TCP, TLS):
//
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|  Len  |  TKL  | Extended Length (0, 1, 2 or 4 bytes) | Code  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//
// Len counts options, marker and payload. Values 13, 14 and 15 select a
// 1, 2 or 4 byte extension holding Len-13, Len-269 or Len-65805.
//
// WebSocket uses the stream layout with Len fixed at 0; the frame carries
// the length.
//
// # Options
//
// Options are written in ascending order. Each carries its number as a
// delta from the previous option and its length, both as 4-bit nibbles
// extended by one byte (value 13, offset 13) or two bytes (value 14,
// offset 269). Nibble 15 is reserved; the byte 0xFF marks the payload.
// A message without the marker has an empty payload.
//
// # Limits
//
// Codec.MaxSize bounds both directions. Stream decoding and ReadFrame
// check the announced length against the bound before allocating.
//
// # Example
//
//	m := &message.Message{
//		Type:      message.Confirmable,
//		Code:      message.GET,
//		MessageID: 0x1234,
//		Token:     []byte{0xca, 0xfe},
//	}
//	m.Options.SetPath("/sensors/temp")
//	m.Options.SetUint(message.Observe, 0)
//
//	data, err := message.Encode(m, message.Datagram)
package message
