// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retransmit schedules retransmissions of confirmable messages.
//
// # State machine
//
//	Queued ──send──→ Sent ──ACK──→ Acked
//	                  │  └──RST──→ Reset
//	                  │
//	               timeout
//	                  ↓
//	            retries left? ──yes──→ Retrying ──send──→ Sent
//	                  │
//	                  no
//	                  ↓
//	              Exhausted (NACK too_many_retries)
//
// # Timing
//
// The first timeout is ack_timeout stretched by a random factor drawn as a
// byte r: ack + ack*(ack_random_factor-1)*r/256. The k-th retransmission
// waits timeout<<k, so with max_retransmit 4 the waits are T, 2T, 4T, 8T
// and 16T, and exactly five transmissions happen before exhaustion.
//
// Entries live in a min-heap ordered by fire tick with an index by
// (session, message id); ACK, RST and cancellation remove them in
// O(log n) regardless of position.
package retransmit
