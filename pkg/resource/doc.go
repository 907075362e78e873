// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resource holds the resource registry and request dispatch.
//
// Resources are looked up by exact path. A resource binds up to seven
// method handlers, one per request method, either through the capability
// interfaces (Getter, Putter, ...) or a Funcs value:
//
//	reg := resource.NewRegistry()
//	reg.Register("/temp", resource.Funcs{
//		Get: func(w *resource.Response, r *resource.Request) {
//			w.SetContentFormat(message.TextPlain)
//			w.Write([]byte("21.5"))
//		},
//	}, resource.WithObservable())
//
// A method without a handler is answered with 4.05 Method Not Allowed and
// an unknown path with 4.04 Not Found, unless a fallback installed with
// SetUnknown implements the method.
package resource
