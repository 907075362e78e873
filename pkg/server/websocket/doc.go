// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves CoAP over WebSockets.
//
// Clients upgrade at Path (default /.well-known/coap) with the "coap"
// subprotocol. Every binary WebSocket message carries exactly one CoAP
// message in the stream layout without the length field; the WebSocket
// frame provides it.
//
//	Client ──HTTP Upgrade──► Server ──engine.Packet──► server.Loop
//	       ◄──binary msgs───        ◄──────Send────────
//
// Connections accepted over TLS map to session.WSS, plain ones to
// session.WS. Closing the WebSocket drops the engine session without a
// Release signal.
package websocket
