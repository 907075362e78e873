// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/resource"
)

// wellKnownCore serves resource discovery until the application registers
// its own handler for the path.
func (e *Engine) wellKnownCore(w *resource.Response, r *resource.Request) {
	w.SetContentFormat(message.AppLinkFormat)
	w.Payload = e.registry.LinkFormat(r.Query)
}
