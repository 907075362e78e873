// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/server"
	"github.com/jonboulle/clockwork"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const defaultTTL = 10 * time.Second

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical,omitempty"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type entry struct {
	fn       CheckFunc
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	clk    clockwork.Clock
	checks map[string]entry
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. Results are cached for
// cacheTTL; a nil clk uses the real clock.
func NewChecker(clk clockwork.Clock, cacheTTL time.Duration) *Checker {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cacheTTL == 0 {
		cacheTTL = defaultTTL
	}
	return &Checker{
		clk:    clk,
		checks: make(map[string]entry),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a health check. A failing check degrades the service.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure makes the service unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = entry{fn: check, critical: critical}
	delete(c.cache, name)
}

// Health returns the overall health status and the checks ordered by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	overall := StatusHealthy
	for _, name := range names {
		e := c.checks[name]
		check, ok := c.cache[name]
		if !ok || c.clk.Since(check.LastChecked) >= c.ttl {
			check = c.run(ctx, name, e)
			c.cache[name] = check
		}
		checks = append(checks, *check)

		if check.Status == StatusHealthy {
			continue
		}
		if check.Critical {
			overall = StatusUnhealthy
		} else if overall == StatusHealthy {
			overall = StatusDegraded
		}
	}

	return overall, checks
}

func (c *Checker) run(ctx context.Context, name string, e entry) *Check {
	start := c.clk.Now()
	err := e.fn(ctx)
	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		Critical:    e.critical,
		LastChecked: c.clk.Now(),
		Duration:    c.clk.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler returns an HTTP handler for health checks. Degraded services
// still report 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness check handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness check handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// LoopCheck reports whether the engine loop still answers calls.
func LoopCheck(loop *server.Loop) CheckFunc {
	return func(ctx context.Context) error {
		return loop.Do(ctx, func(*engine.Engine, clock.Tick) {})
	}
}
