// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package block implements blockwise transfer bookkeeping (RFC 7959).
//
// A Transmit splits an outbound body and tracks the acknowledged offset; a
// peer that answers with a smaller block size switches every following
// block to that size. ServerReceive and ClientReceive reassemble inbound
// bodies, recording arrived bytes in a RangeSet of at most four ranges so
// reordered datagrams are absorbed without unbounded state.
//
// Offsets are tracked in bytes rather than block numbers, so a size change
// in the middle of a transfer does not disturb what was already received.
package block
