// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/message"
)

// WellKnownCore is the discovery path.
const WellKnownCore = "/.well-known/core"

// ErrProxyingNotSupported is returned for proxy requests when no proxy
// handler is set (5.05).
var ErrProxyingNotSupported = errors.New("proxying not supported")

// Registry maps exact paths to resources.
type Registry struct {
	resources map[string]*Resource
	unknown   *Resource
	proxy     *Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Register binds impl to path, replacing any previous resource there. impl
// is a Funcs value, a HandlerFunc serving every method, or any value
// implementing one or more of Getter, Poster, Putter, Deleter, Fetcher,
// Patcher and IPatcher.
func (g *Registry) Register(path string, impl any, opts ...Option) (*Resource, error) {
	path = normalize(path)
	r, err := newResource(path, impl, opts...)
	if err != nil {
		return nil, err
	}
	g.resources[path] = r
	return r, nil
}

// Unregister removes the resource at path.
func (g *Registry) Unregister(path string) bool {
	path = normalize(path)
	if _, ok := g.resources[path]; !ok {
		return false
	}
	delete(g.resources, path)
	return true
}

// Lookup returns the resource registered at exactly path.
func (g *Registry) Lookup(path string) (*Resource, bool) {
	r, ok := g.resources[normalize(path)]
	return r, ok
}

// SetUnknown installs the fallback for unregistered paths, typically to
// create resources on PUT or POST. A nil impl removes it.
func (g *Registry) SetUnknown(impl any) error {
	if impl == nil {
		g.unknown = nil
		return nil
	}
	r, err := newResource("", impl, WithHidden())
	if err != nil {
		return fmt.Errorf("failed to set unknown resource handler: %w", err)
	}
	g.unknown = r
	return nil
}

// SetProxy installs the handler for requests carrying Proxy-Uri or
// Proxy-Scheme. A nil impl removes it.
func (g *Registry) SetProxy(impl any) error {
	if impl == nil {
		g.proxy = nil
		return nil
	}
	r, err := newResource("", impl, WithHidden())
	if err != nil {
		return fmt.Errorf("failed to set proxy resource handler: %w", err)
	}
	g.proxy = r
	return nil
}

// Resolve finds the resource and handler for a request.
func (g *Registry) Resolve(m *message.Message) (*Resource, HandlerFunc, error) {
	if m.Options.Has(message.ProxyURI) || m.Options.Has(message.ProxyScheme) {
		if g.proxy == nil {
			return nil, nil, ErrProxyingNotSupported
		}
		h, err := g.proxy.Dispatch(m.Code)
		return g.proxy, h, err
	}
	if r, ok := g.resources[m.Options.Path()]; ok {
		h, err := r.Dispatch(m.Code)
		return r, h, err
	}
	if g.unknown != nil && g.unknown.Allows(m.Code) {
		h, _ := g.unknown.Dispatch(m.Code)
		return g.unknown, h, nil
	}
	return nil, nil, mcoaperrors.ErrNotFound
}

// All returns the registered resources ordered by path.
func (g *Registry) All() []*Resource {
	out := make([]*Resource, 0, len(g.resources))
	for _, r := range g.resources {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *Resource) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Len returns the number of registered resources.
func (g *Registry) Len() int {
	return len(g.resources)
}

func normalize(path string) string {
	var o message.Options
	o.SetPath(path)
	return o.Path()
}
