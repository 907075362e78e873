// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"

	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
)

// MaxSeq bounds the observe sequence number, which is 24 bits on the wire.
const MaxSeq = 1<<24 - 1

// NotifyMode selects the message type of notifications.
type NotifyMode uint8

const (
	// NotifyNON sends notifications non-confirmable, with a periodic
	// confirmable one.
	NotifyNON NotifyMode = iota
	// NotifyCON sends every notification confirmable.
	NotifyCON
)

// Attr is a link-format attribute advertised in /.well-known/core.
type Attr struct {
	Name  string
	Value string
}

// Resource is a registered path with its method handlers.
type Resource struct {
	Path       string
	Observable bool
	Notify     NotifyMode
	Attrs      []Attr
	// Hidden resources are left out of discovery.
	Hidden bool

	handlers [7]HandlerFunc
	seq      uint32
}

// Option configures a resource at registration.
type Option func(*Resource)

// WithObservable marks the resource as observable.
func WithObservable() Option {
	return func(r *Resource) {
		r.Observable = true
	}
}

// WithNotifyCON makes every notification confirmable.
func WithNotifyCON() Option {
	return func(r *Resource) {
		r.Notify = NotifyCON
	}
}

// WithAttr adds a link-format attribute. An empty value renders a flag.
func WithAttr(name, value string) Option {
	return func(r *Resource) {
		r.Attrs = append(r.Attrs, Attr{Name: name, Value: value})
	}
}

// WithHidden keeps the resource out of /.well-known/core.
func WithHidden() Option {
	return func(r *Resource) {
		r.Hidden = true
	}
}

func newResource(path string, impl any, opts ...Option) (*Resource, error) {
	r := &Resource{Path: path}
	if err := r.bind(impl); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resource) bind(impl any) error {
	switch h := impl.(type) {
	case Funcs:
		r.handlers = h.slots()
	case *Funcs:
		r.handlers = h.slots()
	case HandlerFunc:
		for i := range r.handlers {
			r.handlers[i] = h
		}
	default:
		if v, ok := impl.(Getter); ok {
			r.handlers[slot(message.GET)] = v.Get
		}
		if v, ok := impl.(Poster); ok {
			r.handlers[slot(message.POST)] = v.Post
		}
		if v, ok := impl.(Putter); ok {
			r.handlers[slot(message.PUT)] = v.Put
		}
		if v, ok := impl.(Deleter); ok {
			r.handlers[slot(message.DELETE)] = v.Delete
		}
		if v, ok := impl.(Fetcher); ok {
			r.handlers[slot(message.FETCH)] = v.Fetch
		}
		if v, ok := impl.(Patcher); ok {
			r.handlers[slot(message.PATCH)] = v.Patch
		}
		if v, ok := impl.(IPatcher); ok {
			r.handlers[slot(message.IPATCH)] = v.IPatch
		}
	}
	for _, h := range r.handlers {
		if h != nil {
			return nil
		}
	}
	return fmt.Errorf("resource %s: %T implements no method", r.Path, impl)
}

func slot(c message.Code) int {
	return int(c) - 1
}

// Dispatch returns the handler for a request method.
func (r *Resource) Dispatch(method message.Code) (HandlerFunc, error) {
	if method < message.GET || method > message.IPATCH {
		return nil, mcoaperrors.ErrMethodNotAllowed
	}
	h := r.handlers[slot(method)]
	if h == nil {
		return nil, mcoaperrors.ErrMethodNotAllowed
	}
	return h, nil
}

// Allows reports whether the resource handles method.
func (r *Resource) Allows(method message.Code) bool {
	_, err := r.Dispatch(method)
	return err == nil
}

// Seq returns the current observe sequence number.
func (r *Resource) Seq() uint32 {
	return r.seq
}

// NextSeq advances the observe sequence, wrapping at 24 bits.
func (r *Resource) NextSeq() uint32 {
	r.seq = (r.seq + 1) & MaxSeq
	return r.seq
}
