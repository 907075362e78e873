// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mcoap.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrConnectionClosed indicates the session was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocolViolation indicates a protocol-level error.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSizeLimitExceeded indicates size limit exceeded.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrSessionNotFound indicates an unknown session key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotFound indicates that no resource is registered for a path (4.04).
	ErrNotFound = errors.New("resource not found")

	// ErrMethodNotAllowed indicates an unimplemented method slot (4.05).
	ErrMethodNotAllowed = errors.New("method not allowed")
)

// NackReason tells the application why an outbound message was given up.
type NackReason int

const (
	NackTooManyRetries NackReason = iota
	NackNotDeliverable
	NackReset
	NackTLSFailed
	NackICMPIssue
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackNotDeliverable:
		return "not_deliverable"
	case NackReset:
		return "reset"
	case NackTLSFailed:
		return "tls_failed"
	case NackICMPIssue:
		return "icmp_issue"
	default:
		return "unknown"
	}
}

// Nack is the error form of a NackReason.
type Nack struct {
	Reason NackReason
	Err    error
}

func (e *Nack) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nack %s: %v", e.Reason, e.Err)
	}
	return "nack " + e.Reason.String()
}

func (e *Nack) Unwrap() error {
	return e.Err
}

// BlockReason classifies blockwise transfer failures.
type BlockReason int

const (
	// BlockIncomplete means the reassembled body does not match its size
	// option or has gaps (4.08).
	BlockIncomplete BlockReason = iota
	// BlockTooLarge means the body exceeds the configured limit (4.13).
	BlockTooLarge
	// BlockStale means the representation changed mid-transfer.
	BlockStale
	// BlockOutOfOrder means a block arrived ahead of the cursor. It is
	// absorbed and never reported to the application.
	BlockOutOfOrder
	// BlockExpired means the transfer sat idle past its timeout.
	BlockExpired
)

func (r BlockReason) String() string {
	switch r {
	case BlockIncomplete:
		return "incomplete"
	case BlockTooLarge:
		return "too_large"
	case BlockStale:
		return "stale"
	case BlockOutOfOrder:
		return "out_of_order"
	case BlockExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// BlockError reports a failed blockwise transfer.
type BlockError struct {
	Reason BlockReason
	Path   string
	Detail string
}

func (e *BlockError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("block transfer %s %s: %s", e.Path, e.Reason, e.Detail)
	}
	return fmt.Sprintf("block transfer %s %s", e.Path, e.Reason)
}

// IsBlock reports whether err is a BlockError with the given reason.
func IsBlock(err error, reason BlockReason) bool {
	var be *BlockError
	return errors.As(err, &be) && be.Reason == reason
}

// EngineError wraps an error with additional context.
type EngineError struct {
	Op         string // Operation that failed
	Protocol   string // udp, dtls, tcp, tls, ws, wss
	SessionID  string // Session identifier
	RemoteAddr string // Peer address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// New creates a new EngineError.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
