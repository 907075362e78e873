// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the protocol state machine that ties the codec,
// the retransmission queue, blockwise transfers, the resource registry,
// observe subscriptions and the response cache together.
//
// # Threading
//
// An Engine is single threaded and holds no locks. Time is passed in
// explicitly as clock.Tick values, so the same engine runs under a real
// clock in production and a fake one in tests:
//
//	e := engine.New(engine.DefaultConfig(), h, transport)
//	e.Resources().Register("/temp", resource.Funcs{Get: temp}, resource.WithObservable())
//	for {
//		wait := e.Process(src.Now())
//		// sleep for at most wait, or until the transport is readable
//	}
//
// The server package provides a Loop that owns an engine on one goroutine
// and marshals packets and application calls onto it.
//
// # Server side
//
// Inbound requests are deduplicated against the cache (datagram sessions),
// authorized through Handler.AuthRequest, resolved in the registry and
// dispatched to the resource handler. Block1 bodies are reassembled before
// the handler runs; large response bodies are served in Block2 blocks.
// A GET with Observe 0 on an observable resource registers the observer,
// and Engine.Notify pushes a notification to every observer of a path.
//
// # Client side
//
// Engine.Send issues requests, splitting large bodies into Block1 blocks
// and reassembling Block2 responses. Responses and notifications arrive
// through Handler.OnResponse; undelivered messages through Handler.OnNack.
package engine
