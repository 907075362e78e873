// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP and TLS listener of a CoAP engine loop.
//
// # Overview
//
// Every accepted connection is one engine session using the stream framing
// of RFC 8323. A goroutine per connection reads whole frames and hands them
// to the loop; the engine writes back through Server.Send.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐  Deliver  ┌──────┐
//	│ Client  │ ←─TCP─→ │  Server │ ────────→ │ Loop │ → Engine
//	└─────────┘         └─────────┘           └──────┘
//	                         ↑                    │
//	                         └────── Send ────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Server completes the TLS handshake when configured
//  3. Server registers the connection under its session key
//  4. Frames are read with message.ReadFrame, bounded by MaxMessageSize,
//     and delivered to the loop, which blocks the reader when full
//  5. The engine answers the first frame with its CSM
//  6. On EOF the connection is unregistered and the engine session dropped
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout); the loop sends
//     a Release signal on every session when it stops
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	srv := tcp.New(tcp.Config{Address: ":5683"}, loop)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
