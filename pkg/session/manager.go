// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/clock"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/google/uuid"
)

const (
	// DefaultSessionTimeout is the idle timeout of server sessions.
	DefaultSessionTimeout = 300 * time.Second

	// DefaultMaxHandshakeSessions bounds stream sessions awaiting a CSM.
	DefaultMaxHandshakeSessions = 100
)

// Config holds the session manager configuration.
type Config struct {
	// Params are copied into every new session.
	Params Params

	// MTU of new datagram sessions. Default is DefaultMTU.
	MTU int

	// MaxIdleSessions bounds server sessions with nothing in flight.
	// When exceeded, the least recently used idle session is evicted.
	// If 0, no limit is enforced.
	MaxIdleSessions int

	// MaxHandshakeSessions bounds stream sessions that have not completed
	// their CSM exchange. If 0, DefaultMaxHandshakeSessions is used.
	MaxHandshakeSessions int

	BlockMode BlockMode
	BlockSZX  uint8

	// Breaker configures the per-session send breaker.
	Breaker breaker.Config

	// Rand seeds message ids and tokens. Tests pin it.
	Rand *rand.Rand

	Logger *slog.Logger
}

// Manager owns every session of an engine. It is not safe for concurrent
// use; the engine calls it from its loop only.
type Manager struct {
	config   Config
	sessions map[Key]*Session
	rand     *rand.Rand

	// Busy reports sessions that must not be evicted or expired.
	Busy func(*Session) bool
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MaxHandshakeSessions == 0 {
		cfg.MaxHandshakeSessions = DefaultMaxHandshakeSessions
	}
	if cfg.BlockSZX == 0 || cfg.BlockSZX > message.MaxSZX {
		cfg.BlockSZX = message.MaxSZX
	}
	cfg.Params = cfg.Params.withDefaults()
	r := cfg.Rand
	if r == nil {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Manager{
		config:   cfg,
		sessions: make(map[Key]*Session),
		rand:     r,
		Busy:     func(*Session) bool { return false },
	}
}

// Get returns the session for k.
func (m *Manager) Get(k Key) (*Session, bool) {
	s, ok := m.sessions[k]
	return s, ok
}

// GetOrCreate returns the session for k, creating it if needed. Sessions
// evicted to make room are returned so the caller can release their state.
func (m *Manager) GetOrCreate(k Key, role Role, now clock.Tick) (sess *Session, created bool, evicted []*Session) {
	if s, ok := m.sessions[k]; ok {
		return s, false, nil
	}

	if k.Proto.Reliable() {
		if v := m.evictLRU(now, func(s *Session) bool { return s.State == Handshake }, m.config.MaxHandshakeSessions); v != nil {
			evicted = append(evicted, v)
		}
	}
	if role == Server && m.config.MaxIdleSessions > 0 {
		idle := func(s *Session) bool { return s.Role == Server && !m.Busy(s) }
		if v := m.evictLRU(now, idle, m.config.MaxIdleSessions); v != nil {
			evicted = append(evicted, v)
		}
	}

	s := &Session{
		ID:        uuid.New().String(),
		Key:       k,
		Role:      role,
		State:     Established,
		MTU:       m.config.MTU,
		BlockMode: m.config.BlockMode,
		BlockSZX:  m.config.BlockSZX,
		Params:    m.config.Params,
		Created:   now,
		Breaker:   breaker.New(m.config.Breaker),
		txMID:     uint16(m.rand.Uint32()),
		tokenBase: m.rand.Uint64(),
	}
	if k.Proto.Reliable() {
		s.State = Handshake
	}
	m.sessions[k] = s

	m.config.Logger.Debug("new session created",
		slog.String("session", s.ID),
		slog.String("remote", k.String()),
		slog.String("role", role.String()))

	return s, true, evicted
}

// evictLRU removes the least recently used session matching pred when at
// least limit such sessions exist. The victim keeps its state until the
// caller releases it.
func (m *Manager) evictLRU(now clock.Tick, pred func(*Session) bool, limit int) *Session {
	var (
		count  int
		oldest *Session
	)
	for _, s := range m.sessions {
		if !pred(s) {
			continue
		}
		count++
		if oldest == nil || s.LastActivity() < oldest.LastActivity() {
			oldest = s
		}
	}
	if count < limit || oldest == nil {
		return nil
	}
	m.config.Logger.Debug("evicting least recently used session",
		slog.String("session", oldest.ID),
		slog.String("remote", oldest.Key.String()),
		slog.Duration("idle", (now-oldest.LastActivity()).Duration()))
	delete(m.sessions, oldest.Key)
	return oldest
}

// Remove drops s from the manager and marks it closed.
func (m *Manager) Remove(s *Session) {
	s.State = Closed
	delete(m.sessions, s.Key)
}

// Expired returns server sessions that have been idle for at least timeout
// and have nothing in flight.
func (m *Manager) Expired(now clock.Tick, timeout time.Duration) []*Session {
	var out []*Session
	limit := clock.FromDuration(timeout)
	for _, s := range m.sessions {
		if s.Role != Server || m.Busy(s) {
			continue
		}
		if now-s.LastActivity() >= limit {
			out = append(out, s)
		}
	}
	sortByID(out)
	return out
}

// All returns every session ordered by id.
func (m *Manager) All() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sortByID(out)
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	return len(m.sessions)
}

func sortByID(ss []*Session) {
	slices.SortFunc(ss, func(a, b *Session) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
