// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP listener of a CoAP engine loop.
//
// # Overview
//
// The server owns one UDP socket. A read goroutine copies each datagram out
// of a pooled buffer and hands it to the engine loop tagged with the peer's
// address. The engine writes back through Server.Send, which the server
// registers with the loop for session.UDP while it listens.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐  Deliver  ┌──────┐
//	│ Client  │ ←─UDP─→ │  Server │ ────────→ │ Loop │ → Engine
//	└─────────┘         └─────────┘           └──────┘
//	                         ↑                    │
//	                         └────── Send ────────┘
//
// # Sessions
//
// UDP is connectionless; the engine keys sessions by peer address and local
// port and expires them itself. The server keeps no per-peer state.
//
// # Back Pressure
//
// Datagrams are queued without blocking. When the loop queue is full the
// datagram is dropped and logged; confirmable senders retransmit.
//
// # Graceful Shutdown
//
// When the context is cancelled the socket is closed, the read goroutine
// exits and the sender is unregistered from the loop.
//
// # Configuration
//
//   - Address: Server listen address (e.g., ":5683")
//   - BufferSize: Datagram read buffer size (default: 8192)
//   - ReadBufferSize, WriteBufferSize: Socket buffer sizes
//   - Logger: Structured logger
//
// # Example
//
//	mux := server.NewMux(0)
//	eng := engine.New(engine.DefaultConfig(), h, mux)
//	loop := server.NewLoop(server.Config{}, eng, mux)
//
//	srv := udp.New(udp.Config{Address: ":5683"}, loop)
//	go loop.Run(ctx)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
