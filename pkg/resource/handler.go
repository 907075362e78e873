// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"github.com/absmach/mcoap/pkg/block"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/session"
)

// Request is an inbound request as seen by a handler. Message.Payload holds
// the complete body, already reassembled when it arrived in blocks.
type Request struct {
	Resource *Resource
	Session  *session.Session
	Message  *message.Message
	Query    []string
	// Notification is set when the handler runs to build an observe
	// notification from the stored request.
	Notification bool
	// AsyncKey identifies the exchange when the handler calls Separate.
	AsyncKey uint64
}

// Path returns the request path.
func (r *Request) Path() string {
	return r.Message.Options.Path()
}

// Response is filled in by a handler. A handler that leaves Code unset
// answers 2.05 to GET and FETCH, 2.02 to DELETE and 2.04 otherwise.
type Response struct {
	Code    message.Code
	Options message.Options
	Payload []byte

	release  block.ReleaseFunc
	app      any
	separate bool
}

// SetCode sets the response code.
func (w *Response) SetCode(c message.Code) {
	w.Code = c
}

// SetContentFormat sets the Content-Format option.
func (w *Response) SetContentFormat(cf uint32) {
	w.Options.SetUint(message.ContentFormat, cf)
}

// SetMaxAge sets the Max-Age option in seconds.
func (w *Response) SetMaxAge(seconds uint32) {
	w.Options.SetUint(message.MaxAge, seconds)
}

// SetETag sets the ETag option.
func (w *Response) SetETag(etag []byte) {
	w.Options.Set(message.ETag, etag)
}

// Write appends to the payload.
func (w *Response) Write(p []byte) (int, error) {
	w.Payload = append(w.Payload, p...)
	return len(p), nil
}

// SetBody hands an application-owned body to the engine. release is called
// with app exactly once, when the body is no longer needed.
func (w *Response) SetBody(body []byte, release block.ReleaseFunc, app any) {
	w.Payload = body
	w.release = release
	w.app = app
}

// Release returns the body release callback and its argument.
func (w *Response) Release() (block.ReleaseFunc, any) {
	return w.release, w.app
}

// Separate defers the response. The request is acknowledged now and the
// application completes it later through the engine.
func (w *Response) Separate() {
	w.separate = true
}

// IsSeparate reports whether Separate was called.
func (w *Response) IsSeparate() bool {
	return w.separate
}

// DefaultCode returns the code used when a handler sets none.
func DefaultCode(method message.Code) message.Code {
	switch method {
	case message.GET, message.FETCH:
		return message.Content
	case message.DELETE:
		return message.Deleted
	default:
		return message.Changed
	}
}

// HandlerFunc handles one method of a resource.
type HandlerFunc func(w *Response, r *Request)

// Getter handles GET.
type Getter interface {
	Get(w *Response, r *Request)
}

// Poster handles POST.
type Poster interface {
	Post(w *Response, r *Request)
}

// Putter handles PUT.
type Putter interface {
	Put(w *Response, r *Request)
}

// Deleter handles DELETE.
type Deleter interface {
	Delete(w *Response, r *Request)
}

// Fetcher handles FETCH.
type Fetcher interface {
	Fetch(w *Response, r *Request)
}

// Patcher handles PATCH.
type Patcher interface {
	Patch(w *Response, r *Request)
}

// IPatcher handles iPATCH.
type IPatcher interface {
	IPatch(w *Response, r *Request)
}

// Funcs binds plain functions to method slots. Nil fields are not
// implemented.
type Funcs struct {
	Get    HandlerFunc
	Post   HandlerFunc
	Put    HandlerFunc
	Delete HandlerFunc
	Fetch  HandlerFunc
	Patch  HandlerFunc
	IPatch HandlerFunc
}

func (f *Funcs) slots() [7]HandlerFunc {
	return [7]HandlerFunc{f.Get, f.Post, f.Put, f.Delete, f.Fetch, f.Patch, f.IPatch}
}
