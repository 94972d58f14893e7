// Package lifecycle manages the connection side of subscribers: push sinks,
// long-poll waiters, heartbeats, idle reclaim and the draining -> closed path.
// The registry keeps owning subscriber records; the manager only references them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/registry"
	"relay/internal/validator"
)

// Config holds timeout and heartbeat policy.
type Config struct {
	// LongPollMaxWait caps every long-poll wait.
	LongPollMaxWait time.Duration `env:"LONG_POLL_MAX_WAIT" envDefault:"30s"`
	// HeartbeatInterval drives keep-alives for push sinks. Zero disables heartbeats.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	// IdleTimeout reclaims pull subscribers that stopped pulling.
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"2m"`
	// PendingTimeout reclaims subscribers that never completed a handshake.
	PendingTimeout time.Duration `env:"PENDING_TIMEOUT" envDefault:"1m"`
	// SweepInterval is how often Run looks for idle subscribers.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
	// SendTimeout bounds a single push or heartbeat.
	SendTimeout time.Duration `env:"SEND_TIMEOUT" envDefault:"2s"`
}

// Drain reasons reported to the close hook.
const (
	ReasonUnsubscribed     = "unsubscribed"
	ReasonTransportError   = "transport_error"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonClientCanceled   = "client_canceled"
	ReasonShutdown         = "shutdown"
)

// CloseHook is called once per subscriber after it reached the closed state.
type CloseHook func(sub relay.Subscriber, reason string)

type conn struct {
	id  string
	rec *registry.Record

	// mu is read-held for the duration of every send and write-held to finish
	// draining, so closing waits for in-flight deliveries.
	mu       sync.RWMutex
	sink     relay.Sink
	draining bool

	wmu  sync.Mutex
	wake chan struct{}

	// pull holds one token while a pull is in progress.
	pull chan struct{}

	once sync.Once
	stop chan struct{}
}

func (c *conn) signal() {
	c.once.Do(func() {
		close(c.stop)
	})
}

type Manager struct {
	mu    sync.Mutex
	conns map[string]*conn

	registry *registry.Registry
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	onClose  CloseHook

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithCloseHook(fn CloseHook) Option {
	return func(m *Manager) {
		m.onClose = fn
	}
}

func New(cfg Config, reg *registry.Registry, logger *zap.Logger, opts ...Option) (*Manager, error) {
	m := Manager{
		conns:    make(map[string]*conn),
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		onClose:  func(relay.Subscriber, string) {},
	}

	if err := validator.Validate("lifecycle", m.registry, m.logger); err != nil {
		return nil, fmt.Errorf("failed to validate lifecycle deps: %w", err)
	}

	for _, opt := range opts {
		opt(&m)
	}
	m.logger = m.logger.Named("lifecycle")

	return &m, nil
}

// connFor returns the connection entry of a live subscriber, creating it on first use.
func (m *Manager) connFor(id string) (*conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.conns[id]; ok {
		return c, nil
	}

	rec, ok := m.registry.Lookup(id)
	if !ok {
		return nil, relay.ErrNotFound
	}
	if s := rec.State(); s == relay.StateDraining || s == relay.StateClosed {
		return nil, relay.ErrNotFound
	}

	c := &conn{
		id:   id,
		rec:  rec,
		pull: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	m.conns[id] = c

	return c, nil
}

func (m *Manager) lookup(id string) *conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.conns[id]
}

// Attach completes the handshake of a push subscriber: pending -> active.
func (m *Manager) Attach(id string, sink relay.Sink) error {
	if sink == nil {
		return fmt.Errorf("failed to attach %s: nil sink", id)
	}

	rec, ok := m.registry.Lookup(id)
	if !ok {
		return relay.ErrNotFound
	}
	if !rec.Kind().PushCapable() {
		return fmt.Errorf("%w: %s", relay.ErrNotPushCapable, rec.Kind())
	}

	c, err := m.connFor(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.sink != nil {
		c.mu.Unlock()
		return relay.ErrAlreadyAttached
	}
	c.sink = sink
	c.mu.Unlock()

	if _, err := m.registry.Transition(id, relay.StateActive); err != nil {
		c.mu.Lock()
		c.sink = nil
		c.mu.Unlock()
		if relay.IsTransitionError(err) {
			return fmt.Errorf("%w: %w", relay.ErrNotFound, err)
		}
		return err
	}
	_ = m.registry.Touch(id)

	if hb, ok := sink.(relay.Heartbeater); ok && m.cfg.HeartbeatInterval > 0 {
		m.wg.Add(1)
		go m.heartbeat(c, hb)
	}

	m.logger.Debug("push sink attached", zap.String("subscriber", id), zap.String("transport", rec.Kind().String()))

	return nil
}

// Activate marks activity by a pull subscriber. The first call completes its
// handshake; later calls are the active -> active long-poll cycle.
func (m *Manager) Activate(id string) error {
	rec, ok := m.registry.Lookup(id)
	if !ok {
		return relay.ErrNotFound
	}
	if !rec.Kind().PullCapable() {
		return fmt.Errorf("%w: %s", relay.ErrNotPullCapable, rec.Kind())
	}

	if _, err := m.registry.Transition(id, relay.StateActive); err != nil {
		if relay.IsTransitionError(err) {
			return relay.ErrNotFound
		}
		return err
	}
	if _, err := m.connFor(id); err != nil {
		return err
	}

	return m.registry.Touch(id)
}

// Serialize acquires the subscriber's pull slot so concurrent pulls on one
// subscriber run one at a time. Call release when the pull is done.
func (m *Manager) Serialize(ctx context.Context, id string) (release func(), err error) {
	c, err := m.connFor(id)
	if err != nil {
		return nil, err
	}

	select {
	case c.pull <- struct{}{}:
		return func() { <-c.pull }, nil
	case <-c.stop:
		return nil, relay.ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Touch records activity without changing state.
func (m *Manager) Touch(id string) {
	_ = m.registry.Touch(id)
}

// Push sends one event through the subscriber's sink. Any failure is wrapped in
// relay.ErrTransportSend; the caller decides whether to Fail the subscriber.
func (m *Manager) Push(ctx context.Context, id string, e relay.Event) error {
	c := m.lookup(id)
	if c == nil {
		return fmt.Errorf("%w: subscriber %s has no connection", relay.ErrTransportSend, id)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.draining || c.sink == nil || c.rec.State() != relay.StateActive {
		return fmt.Errorf("%w: subscriber %s is not active", relay.ErrTransportSend, id)
	}

	sctx, cancel := m.sendContext(ctx)
	defer cancel()

	if err := c.sink.Send(sctx, e); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrTransportSend, err)
	}

	return nil
}

func (m *Manager) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.SendTimeout > 0 {
		return context.WithTimeout(ctx, m.cfg.SendTimeout)
	}
	return context.WithCancel(ctx)
}

// Fail moves the subscriber to draining right away and finishes closing it in
// the background, so the caller never waits on its own in-flight send.
func (m *Manager) Fail(id string, cause error) {
	if !m.beginDrain(id) {
		return
	}

	m.logger.Warn("subscriber transport failed, draining",
		zap.String("subscriber", id),
		zap.Error(cause),
	)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.finish(id, ReasonTransportError)
	}()
}

// Drain closes a subscriber and waits until it is released. It reports whether
// this call did the draining; repeated calls are no-ops.
func (m *Manager) Drain(id, reason string) bool {
	if !m.beginDrain(id) {
		return false
	}

	m.finish(id, reason)
	return true
}

func (m *Manager) beginDrain(id string) bool {
	if _, err := m.registry.Transition(id, relay.StateDraining); err != nil {
		return false
	}

	if c := m.lookup(id); c != nil {
		c.signal()
	}

	return true
}

func (m *Manager) finish(id, reason string) {
	if c := m.lookup(id); c != nil {
		c.signal()

		c.mu.Lock()
		c.draining = true
		sink := c.sink
		c.mu.Unlock()

		if closer, ok := sink.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.logger.Debug("failed to close sink", zap.String("subscriber", id), zap.Error(err))
			}
		}
	}

	if _, err := m.registry.Transition(id, relay.StateClosed); err != nil && !errors.Is(err, relay.ErrNotFound) {
		m.logger.Error("failed to close subscriber", zap.String("subscriber", id), zap.Error(err))
	}

	sub, ok := m.registry.Get(id)
	m.registry.Unregister(id)

	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	m.logger.Info("subscriber closed",
		zap.String("subscriber", id),
		zap.String("transport", sub.Transport.String()),
		zap.String("reason", reason),
		zap.Uint64("cursor", sub.Cursor),
	)
	m.onClose(sub, reason)
}

func (m *Manager) heartbeat(c *conn, hb relay.Heartbeater) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := m.beat(c, hb); err != nil {
				m.Fail(c.id, err)
				return
			}
		}
	}
}

func (m *Manager) beat(c *conn, hb relay.Heartbeater) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.draining || c.rec.State() != relay.StateActive {
		return nil
	}

	ctx, cancel := m.sendContext(context.Background())
	defer cancel()

	return hb.Heartbeat(ctx)
}

// Sweep drains idle pull subscribers and subscribers stuck in pending. It returns
// how many subscribers were drained.
func (m *Manager) Sweep(now time.Time) int {
	type victim struct{ id, reason string }
	var victims []victim

	m.registry.Each(func(rec *registry.Record) bool {
		sub := rec.Snapshot()
		idle := now.Sub(sub.LastSeen)

		switch {
		case sub.State == relay.StatePending && m.cfg.PendingTimeout > 0 && idle > m.cfg.PendingTimeout:
			victims = append(victims, victim{sub.ID, ReasonHandshakeTimeout})
		case sub.State == relay.StateActive && sub.Transport.PullCapable() &&
			m.cfg.IdleTimeout > 0 && idle > m.cfg.IdleTimeout && !m.Waiting(sub.ID):
			victims = append(victims, victim{sub.ID, ReasonIdleTimeout})
		}
		return true
	})

	drained := 0
	for _, v := range victims {
		if m.Drain(v.id, v.reason) {
			drained++
		}
	}

	return drained
}

// Run sweeps on SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.now().UTC()); n > 0 {
				m.logger.Info("reclaimed idle subscribers", zap.Int("count", n))
			}
		}
	}
}

// CloseAll drains every subscriber and waits for background work to finish.
func (m *Manager) CloseAll(reason string) {
	var ids []string
	m.registry.Each(func(rec *registry.Record) bool {
		ids = append(ids, rec.ID())
		return true
	})

	for _, id := range ids {
		m.Drain(id, reason)
	}

	m.wg.Wait()
}

// Len returns the number of tracked connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.conns)
}
