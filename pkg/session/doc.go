// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package session holds per-peer protocol state.
//
// A session is keyed by remote address, local port and protocol. It owns
// the message id sequence, the token generator, the negotiated size limits
// and block mode, and the activity ticks used for keepalive and expiry.
//
//	Session Key: (remote ip:port, local port, protocol)
//	Session Contents:
//	  - ID: unique identifier (uuid)
//	  - MTU / MaxMessageSize: datagram or stream size limit
//	  - tx message id: random start, incremented per message
//	  - token counter: random base, incremented per request
//	  - BlockMode, BlockSZX: blockwise capability flags
//	  - Params: ack timeout, random factor, max retransmit
//	  - LastRx, LastTx, LastPing, LastPong: activity ticks
//
// # Lifecycle
//
//	Create:
//	  - server: first packet from a new key
//	  - client: Engine.NewClientSession
//	  - stream sessions start in Handshake until the peer's CSM arrives
//
//	Evict:
//	  - more than MaxIdleSessions server sessions with nothing in flight
//	  - more than MaxHandshakeSessions stream sessions in Handshake
//	  - the least recently used one goes first
//
//	Expire:
//	  - server sessions idle for the session timeout with nothing in flight
//
// The Manager is not safe for concurrent use. It is owned by the engine
// loop.
package session
