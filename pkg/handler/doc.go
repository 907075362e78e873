// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the protocol engine to
// application callbacks.
//
// # Architecture Overview
//
// Resource handlers (package resource) answer requests. The Handler interface
// covers everything else the engine has to tell the application: responses
// to requests it sent, delivery failures, pings and lifecycle events.
//
// # Data Flow
//
//	Peer → Engine → Handler.AuthRequest → Resource handler → Engine → Peer
//	Engine → Peer → Engine → Handler.OnResponse / Handler.OnNack
//
// # Handler Methods
//
// Authorization (called before dispatch):
//   - AuthRequest: admits or rejects an inbound request
//
// Notifications:
//   - OnResponse: a complete response, reassembled if it came in blocks
//   - OnNack: a confirmable message that was not delivered, with the reason
//   - OnPing, OnPong: keepalive traffic
//   - OnEvent: session, blockwise and observe events
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - RemoteAddr: Peer's network address
//   - Protocol: Session transport (udp, dtls, tcp, tls, ws, wss)
//
// # Implementation
//
// Embed NoopHandler to implement only some methods, or use Funcs.
//
// # Example
//
//	type MyHandler struct {
//		handler.NoopHandler
//		limiter *ratelimit.Limiter
//	}
//
//	func (h *MyHandler) AuthRequest(hctx *handler.Context, req *message.Message) error {
//		if !h.limiter.Allow(hctx.RemoteAddr) {
//			return errors.ErrRateLimited
//		}
//		return nil
//	}
package handler
