// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package observe tracks resource observers (RFC 7641).
//
// A subscription is keyed by session and token. Notifications are
// non-confirmable except every MaxNon+1-th, which is confirmable and
// checks the observer is still there. A confirmable notification that
// exhausts its retransmissions counts as a failure; MaxFail failures in a
// row end the subscription.
package observe
