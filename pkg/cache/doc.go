// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache records exchanges by message digest. The engine uses it to
// answer retransmitted requests without running the handler again and to
// find the requester of a separate response.
package cache
