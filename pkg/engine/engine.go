// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/mcoap/pkg/block"
	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/cache"
	"github.com/absmach/mcoap/pkg/clock"
	mcoaperrors "github.com/absmach/mcoap/pkg/errors"
	"github.com/absmach/mcoap/pkg/handler"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/observe"
	"github.com/absmach/mcoap/pkg/resource"
	"github.com/absmach/mcoap/pkg/retransmit"
	"github.com/absmach/mcoap/pkg/session"
)

const (
	// DefaultExchangeLifetime bounds how long a request is remembered for
	// deduplication and separate responses.
	DefaultExchangeLifetime = 247 * time.Second

	// DefaultMaxBodySize bounds reassembled bodies.
	DefaultMaxBodySize = 8 << 20

	// MaxWait caps the delay returned by Advance and Process.
	MaxWait = time.Minute
)

// Packet is a datagram or a complete frame received from a peer.
type Packet struct {
	Key  session.Key
	Data []byte
}

// Transport is the I/O boundary of the engine. Send must not block for
// long; Recv returns false when nothing is pending.
type Transport interface {
	Send(s *session.Session, data []byte) (int, error)
	Recv() (Packet, bool)
}

// Config holds the engine configuration.
type Config struct {
	// Params are the transmission parameters of new sessions.
	Params session.Params

	// MTU of datagram sessions.
	MTU int

	// SessionTimeout is the idle timeout of server sessions.
	SessionTimeout time.Duration

	// MaxIdleSessions bounds server sessions with nothing in flight.
	// If 0, no limit is enforced.
	MaxIdleSessions int

	// MaxHandshakeSessions bounds stream sessions awaiting a CSM.
	MaxHandshakeSessions int

	// PingTimeout is the idle time after which a session is pinged.
	// If 0, keepalive is off.
	PingTimeout time.Duration

	// CSMTimeout closes stream sessions that never send a CSM.
	// If 0, sessions wait forever.
	CSMTimeout time.Duration

	ObserveMaxNon  int
	ObserveMaxFail int

	BlockMode session.BlockMode
	BlockSZX  uint8

	// BlockIdleTimeout drops blockwise transfers left untouched.
	BlockIdleTimeout time.Duration

	// MaxBodySize bounds reassembled bodies.
	MaxBodySize int

	// MaxMessageSize is announced in the CSM of stream sessions.
	MaxMessageSize int

	// ExchangeLifetime is the lifetime of deduplication entries.
	ExchangeLifetime time.Duration

	// CacheIgnore lists options left out of request cache keys.
	CacheIgnore []message.OptionID

	Breaker breaker.Config

	// Rand seeds jitter, message ids and tokens. Tests pin it.
	Rand *rand.Rand

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the protocol defaults with engine-managed blockwise
// transfers.
func DefaultConfig() Config {
	return Config{
		Params:               session.DefaultParams(),
		MTU:                  session.DefaultMTU,
		SessionTimeout:       session.DefaultSessionTimeout,
		MaxHandshakeSessions: session.DefaultMaxHandshakeSessions,
		ObserveMaxNon:        observe.DefaultMaxNon,
		ObserveMaxFail:       observe.DefaultMaxFail,
		BlockMode:            session.BlockUseEngine | session.BlockSingleBody,
		BlockSZX:             message.MaxSZX,
		BlockIdleTimeout:     block.DefaultIdleTimeout,
		MaxBodySize:          DefaultMaxBodySize,
		MaxMessageSize:       message.DefaultMaxMessageSize,
		ExchangeLifetime:     DefaultExchangeLifetime,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MTU == 0 {
		c.MTU = d.MTU
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.BlockIdleTimeout == 0 {
		c.BlockIdleTimeout = d.BlockIdleTimeout
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = d.MaxBodySize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.ExchangeLifetime == 0 {
		c.ExchangeLifetime = d.ExchangeLifetime
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// xmitKind routes the outcome of a confirmable message.
type xmitKind uint8

const (
	kindRequest xmitKind = iota
	kindResponse
	kindNotification
	kindPing
)

type xmitCtx struct {
	kind xmitKind
	sub  *observe.Subscription
	// blockFetch marks a request for a later block of a response.
	blockFetch bool
}

type exchKey struct {
	session session.Key
	token   string
}

// exchange is a request sent through the engine awaiting its response.
type exchange struct {
	session *session.Session
	// request is the request as the application sent it, full body included.
	request *message.Message
	observe bool
}

// Engine is the protocol state machine. It is single threaded: every method
// must be called from the goroutine that owns it.
type Engine struct {
	cfg       Config
	handler   handler.Handler
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics

	sessions  *session.Manager
	queue     *retransmit.Queue
	blocks    *block.Store
	registry  *resource.Registry
	observers *observe.Manager
	cache     *cache.Cache
	exchanges map[exchKey]*exchange

	now clock.Tick
}

// New creates an engine. h may be nil.
func New(cfg Config, h handler.Handler, t Transport) *Engine {
	cfg = cfg.withDefaults()
	if h == nil {
		h = &handler.NoopHandler{}
	}
	e := &Engine{
		cfg:       cfg,
		handler:   h,
		transport: t,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		queue:     retransmit.New(cfg.Rand),
		blocks:    block.NewStore(),
		registry:  resource.NewRegistry(),
		observers: observe.NewManager(observe.Policy{MaxNon: cfg.ObserveMaxNon, MaxFail: cfg.ObserveMaxFail}, cfg.Logger),
		cache:     cache.New(cfg.ExchangeLifetime, cfg.CacheIgnore...),
		exchanges: make(map[exchKey]*exchange),
	}
	e.sessions = session.NewManager(session.Config{
		Params:               cfg.Params,
		MTU:                  cfg.MTU,
		MaxIdleSessions:      cfg.MaxIdleSessions,
		MaxHandshakeSessions: cfg.MaxHandshakeSessions,
		BlockMode:            cfg.BlockMode,
		BlockSZX:             cfg.BlockSZX,
		Breaker:              cfg.Breaker,
		Rand:                 cfg.Rand,
		Logger:               cfg.Logger,
	})
	e.sessions.Busy = e.busy
	if _, err := e.registry.Register(resource.WellKnownCore, &resource.Funcs{Get: e.wellKnownCore}, resource.WithHidden()); err != nil {
		e.logger.Error("failed to register discovery resource", slog.String("error", err.Error()))
	}
	return e
}

// Resources returns the resource registry.
func (e *Engine) Resources() *resource.Registry {
	return e.registry
}

// Observers returns the subscription manager.
func (e *Engine) Observers() *observe.Manager {
	return e.observers
}

// Session returns the session for k.
func (e *Engine) Session(k session.Key) (*session.Session, bool) {
	return e.sessions.Get(k)
}

// Sessions returns every session ordered by id.
func (e *Engine) Sessions() []*session.Session {
	return e.sessions.All()
}

// Pending returns the number of confirmable messages awaiting an ACK.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

func (e *Engine) busy(s *session.Session) bool {
	return e.queue.Pending(s.Key) > 0 || e.observers.Has(s.Key)
}

// NewClientSession opens a session towards a peer. Stream sessions send
// their CSM right away.
func (e *Engine) NewClientSession(k session.Key, now clock.Tick) (*session.Session, error) {
	e.now = now
	if s, ok := e.sessions.Get(k); ok {
		return s, nil
	}
	s, _, evicted := e.sessions.GetOrCreate(k, session.Client, now)
	for _, v := range evicted {
		e.release(v, now)
	}
	if err := e.opened(s, now); err != nil {
		e.release(s, now)
		return nil, err
	}
	return s, nil
}

// opened runs once per new session.
func (e *Engine) opened(s *session.Session, now clock.Tick) error {
	proto := s.Key.Proto.String()
	e.metrics.SessionOpened(proto, s.Role.String())
	if s.Breaker != nil {
		s.Breaker.OnStateChange(func(from, to breaker.State) {
			e.logger.Warn("session breaker state changed",
				slog.String("session", s.ID),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if to == breaker.StateOpen {
				e.metrics.BreakerTrip(proto)
			}
		})
	}
	if s.Role == session.Server {
		e.event(s, handler.Event{Kind: handler.EventServerSessionNew})
	}
	if s.Reliable() {
		return e.sendCSM(s, now)
	}
	return nil
}

// CloseSession releases s. Stream peers are told with a Release signal.
func (e *Engine) CloseSession(s *session.Session, now clock.Tick) {
	e.now = now
	if s.Reliable() && s.State != session.Closed {
		if _, err := e.send(s, &message.Message{Code: message.Release}, now, nil); err != nil {
			e.logger.Debug("failed to send release",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
		}
	}
	e.release(s, now)
}

// DropSession releases the session for k without telling the peer. Stream
// listeners call it when the connection is gone.
func (e *Engine) DropSession(k session.Key, now clock.Tick) bool {
	s, ok := e.sessions.Get(k)
	if !ok {
		return false
	}
	e.release(s, now)
	return true
}

// release drops every piece of state held for s.
func (e *Engine) release(s *session.Session, now clock.Tick) {
	e.queue.RemoveSession(s.Key)
	e.blocks.RemoveSession(s.Key)
	e.observers.RemoveSession(s.Key)
	e.cache.RemoveSession(s.Key)
	for k, ex := range e.exchanges {
		if k.session != s.Key {
			continue
		}
		delete(e.exchanges, k)
		e.nack(s, ex.request, mcoaperrors.NackNotDeliverable)
	}
	// Evicted sessions are already gone from the manager but still open.
	open := s.State != session.Closed
	if cur, ok := e.sessions.Get(s.Key); ok && cur == s {
		e.sessions.Remove(s)
	}
	s.State = session.Closed
	if !open {
		return
	}
	e.metrics.SessionClosed(s.Key.Proto.String(), s.Role.String())
	if s.Role == session.Server {
		e.event(s, handler.Event{Kind: handler.EventServerSessionDel})
	}
	e.logger.Debug("session released",
		slog.String("session", s.ID),
		slog.String("remote", s.Key.String()))
}

// Process drains the transport, then runs Advance.
func (e *Engine) Process(now clock.Tick) time.Duration {
	e.metrics.ObserveLoop("receive", func() {
		for {
			pkt, ok := e.transport.Recv()
			if !ok {
				return
			}
			e.HandlePacket(pkt, now)
		}
	})
	return e.Advance(now)
}

// Advance fires every timer due at now and returns the delay until the next
// one, capped at MaxWait.
func (e *Engine) Advance(now clock.Tick) time.Duration {
	e.now = now
	e.metrics.ObserveLoop("advance", func() {
		e.retransmit(now)
		e.expireBlocks(now)
		e.keepalive(now)
		e.expireSessions(now)
		e.cache.Expire(now)
	})
	e.metrics.SetObservers(e.observers.Len())
	return e.wait(now)
}

func (e *Engine) retransmit(now clock.Tick) {
	resend, exhausted := e.queue.Advance(now)
	for _, en := range resend {
		s := en.Session
		e.metrics.Retransmission(s.Key.Proto.String())
		e.logger.Debug("retransmitting",
			slog.String("session", s.ID),
			slog.Int("mid", int(en.Message.MessageID)),
			slog.Int("retry", en.Retries))
		if err := e.write(s, en.Data, now); err != nil {
			e.logger.Debug("retransmission failed",
				slog.String("session", s.ID),
				slog.String("error", err.Error()))
		}
	}
	for _, en := range exhausted {
		e.exhausted(en, now)
	}
}

// exhausted handles a confirmable message that was never acknowledged.
func (e *Engine) exhausted(en *retransmit.Entry, now clock.Tick) {
	s := en.Session
	ctx, _ := en.Context.(*xmitCtx)
	if ctx == nil {
		ctx = &xmitCtx{kind: kindResponse}
	}
	switch ctx.kind {
	case kindNotification:
		e.metrics.Nack(mcoaperrors.NackTooManyRetries.String())
		if e.observers.Failed(ctx.sub) {
			e.event(s, handler.Event{
				Kind:  handler.EventObserveFailed,
				Path:  ctx.sub.Path,
				Token: ctx.sub.Token,
				Err:   &mcoaperrors.Nack{Reason: mcoaperrors.NackTooManyRetries},
			})
		}
	case kindPing:
		e.event(s, handler.Event{Kind: handler.EventKeepaliveFailure})
		e.release(s, now)
	case kindRequest:
		if ctx.blockFetch {
			e.failBlockFetch(s, en.Message, mcoaperrors.NackTooManyRetries)
			return
		}
		e.failRequest(s, en.Message, mcoaperrors.NackTooManyRetries)
	default:
		e.nack(s, en.Message, mcoaperrors.NackTooManyRetries)
	}
}

func (e *Engine) expireBlocks(now clock.Tick) {
	exp := e.blocks.Expire(now, e.cfg.BlockIdleTimeout)
	for k, t := range exp.Transmits {
		e.metrics.BlockTransfer(optionName(k.Option), "expired")
		s, ok := e.sessions.Get(k.Session)
		if !ok {
			continue
		}
		e.event(s, handler.Event{
			Kind:  handler.EventXmitBlockFail,
			Path:  t.Skeleton.Options.Path(),
			Token: t.Skeleton.Token,
			Err:   &mcoaperrors.BlockError{Reason: mcoaperrors.BlockExpired, Path: t.Skeleton.Options.Path()},
		})
		if k.Option == message.Block1 {
			e.failRequest(s, t.Skeleton, mcoaperrors.NackNotDeliverable)
		}
	}
	for k, r := range exp.Server {
		e.metrics.BlockTransfer("block1", "expired")
		if s, ok := e.sessions.Get(k.Session); ok {
			e.event(s, handler.Event{
				Kind:  handler.EventPartialBlock,
				Path:  r.Path,
				Token: r.LastToken,
				Err:   &mcoaperrors.BlockError{Reason: mcoaperrors.BlockExpired, Path: r.Path},
			})
		}
	}
	for k, r := range exp.Client {
		e.metrics.BlockTransfer("block2", "expired")
		s, ok := e.sessions.Get(k.Session)
		if !ok {
			continue
		}
		path := r.Request.Options.Path()
		e.event(s, handler.Event{
			Kind:  handler.EventPartialBlock,
			Path:  path,
			Token: r.Token,
			Err:   &mcoaperrors.BlockError{Reason: mcoaperrors.BlockExpired, Path: path},
		})
		if ex, ok := e.exchanges[exchKey{session: k.Session, token: k.Token}]; ok && !ex.observe {
			e.failRequest(s, r.Request, mcoaperrors.NackNotDeliverable)
		}
	}
}

func (e *Engine) keepalive(now clock.Tick) {
	ping := clock.FromDuration(e.cfg.PingTimeout)
	csm := clock.FromDuration(e.cfg.CSMTimeout)
	for _, s := range e.sessions.All() {
		if s.Reliable() && s.State == session.Handshake {
			if csm > 0 && now-s.Created >= csm {
				e.logger.Warn("closing session without CSM",
					slog.String("session", s.ID),
					slog.String("remote", s.Key.String()))
				e.event(s, handler.Event{Kind: handler.EventSessionClosed, Err: mcoaperrors.ErrTimeout})
				e.CloseSession(s, now)
			}
			continue
		}
		if ping <= 0 || s.State != session.Established {
			continue
		}
		if s.LastPing != 0 {
			// Datagram pings are settled by the retransmission queue.
			if s.Reliable() && now-s.LastPing >= ping {
				e.event(s, handler.Event{Kind: handler.EventKeepaliveFailure})
				e.CloseSession(s, now)
			}
			continue
		}
		if now-s.LastActivity() >= ping {
			if err := e.Ping(s, now); err != nil {
				e.logger.Debug("keepalive ping failed",
					slog.String("session", s.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (e *Engine) expireSessions(now clock.Tick) {
	for _, s := range e.sessions.Expired(now, e.cfg.SessionTimeout) {
		e.logger.Debug("session idle timeout",
			slog.String("session", s.ID),
			slog.Duration("idle", (now-s.LastActivity()).Duration()))
		e.release(s, now)
	}
}

// wait returns the delay until the next timer.
func (e *Engine) wait(now clock.Tick) time.Duration {
	next := clock.Never
	if t, ok := e.queue.Next(); ok {
		next = min(next, t)
	}
	if t, ok := e.blocks.Next(e.cfg.BlockIdleTimeout); ok {
		next = min(next, t)
	}
	if t, ok := e.cache.Next(); ok {
		next = min(next, t)
	}
	timeout := clock.FromDuration(e.cfg.SessionTimeout)
	ping := clock.FromDuration(e.cfg.PingTimeout)
	csm := clock.FromDuration(e.cfg.CSMTimeout)
	for _, s := range e.sessions.All() {
		if s.Role == session.Server && !e.busy(s) {
			next = min(next, s.LastActivity()+timeout)
		}
		switch {
		case s.Reliable() && s.State == session.Handshake:
			if csm > 0 {
				next = min(next, s.Created+csm)
			}
		case ping > 0 && s.LastPing != 0:
			if s.Reliable() {
				next = min(next, s.LastPing+ping)
			}
		case ping > 0:
			next = min(next, s.LastActivity()+ping)
		}
	}
	if next == clock.Never {
		return MaxWait
	}
	d := (next - now).Duration()
	if d < 0 {
		return 0
	}
	return min(d, MaxWait)
}

// event passes ev to the handler, logging a failure.
func (e *Engine) event(s *session.Session, ev handler.Event) {
	if err := e.handler.OnEvent(handler.NewContext(s), ev); err != nil {
		e.logger.Warn("event handler failed",
			slog.String("session", s.ID),
			slog.String("event", ev.String()),
			slog.String("error", err.Error()))
	}
}

// nack reports an undelivered message.
func (e *Engine) nack(s *session.Session, m *message.Message, reason mcoaperrors.NackReason) {
	e.metrics.Nack(reason.String())
	e.logger.Debug("message not delivered",
		slog.String("session", s.ID),
		slog.String("message", m.String()),
		slog.String("reason", reason.String()))
	if err := e.handler.OnNack(handler.NewContext(s), m, reason); err != nil {
		e.logger.Warn("nack handler failed",
			slog.String("session", s.ID),
			slog.String("error", err.Error()))
	}
}

func optionName(id message.OptionID) string {
	if id == message.Block1 {
		return "block1"
	}
	return "block2"
}
