// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import "fmt"

// EventKind classifies events passed to OnEvent.
type EventKind uint8

const (
	// EventPartialBlock means a blockwise reception was abandoned or
	// restarted before completion.
	EventPartialBlock EventKind = iota + 1
	// EventXmitBlockFail means a blockwise transmission timed out.
	EventXmitBlockFail
	// EventObserveFailed means a subscription was dropped after repeated
	// undelivered notifications.
	EventObserveFailed
	// EventObserveCancelled means a subscription ended at the observer's
	// request.
	EventObserveCancelled
	// EventKeepaliveFailure means a keepalive ping went unanswered.
	EventKeepaliveFailure
	// EventServerSessionNew means a peer opened a server session.
	EventServerSessionNew
	// EventServerSessionDel means a server session was released.
	EventServerSessionDel
	// EventSessionClosed means the peer released or aborted a stream
	// session.
	EventSessionClosed
	// EventBadPacket means an inbound packet failed to parse.
	EventBadPacket
)

func (k EventKind) String() string {
	switch k {
	case EventPartialBlock:
		return "partial_block"
	case EventXmitBlockFail:
		return "xmit_block_fail"
	case EventObserveFailed:
		return "observe_failed"
	case EventObserveCancelled:
		return "observe_cancelled"
	case EventKeepaliveFailure:
		return "keepalive_failure"
	case EventServerSessionNew:
		return "server_session_new"
	case EventServerSessionDel:
		return "server_session_del"
	case EventSessionClosed:
		return "session_closed"
	case EventBadPacket:
		return "bad_packet"
	default:
		return "unknown"
	}
}

// Event is a lifecycle event.
type Event struct {
	Kind EventKind
	// Path is the resource involved, if any.
	Path string
	// Token identifies the exchange involved, if any.
	Token []byte
	Err   error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
