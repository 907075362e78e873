// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package server runs a protocol engine behind network listeners.
//
// # Overview
//
// The engine is single threaded. A Loop owns it on one goroutine and is the
// only place where engine methods are called. Listeners (see the udp, tcp
// and websocket subpackages) read from the network on their own goroutines
// and hand packets to the loop; application code reaches the engine through
// Loop.Do.
//
// # Architecture
//
//	┌──────────┐  Deliver   ┌──────┐  HandlePacket  ┌────────┐
//	│ Listener │ ─────────→ │ Loop │ ─────────────→ │ Engine │
//	└──────────┘            └──────┘                └────────┘
//	     ↑                      │ Do                     │
//	     │                      ↓                        │
//	     │                 application                   │
//	     │                                               │
//	     └──────── Sender ←──── Mux ←──── Send ──────────┘
//
// # Time
//
// The loop converts a clockwork.Clock into engine ticks and sleeps until the
// delay returned by Engine.Advance, waking early for packets and calls.
// Tests pass a fake clock and step it.
//
// # Example
//
//	mux := server.NewMux(0)
//	eng := engine.New(engine.DefaultConfig(), h, mux)
//	loop := server.NewLoop(server.Config{}, eng, mux)
//	srv := udp.New(udp.Config{Address: ":5683"}, loop)
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(func() error { return loop.Run(ctx) })
//	g.Go(func() error { return srv.Listen(ctx) })
//	return g.Wait()
package server
