// Package generator publishes canned notifications on a timer, so every
// transport can be watched without an external producer. It is switched on
// and off at runtime.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/validator"
)

type Config struct {
	// Enabled starts generating as soon as Run is called.
	Enabled  bool          `env:"GENERATOR_ENABLED" envDefault:"false"`
	Interval time.Duration `env:"GENERATOR_INTERVAL" envDefault:"2s"`
	// Jitter adds up to this much random delay to every interval.
	Jitter time.Duration `env:"GENERATOR_JITTER" envDefault:"3s"`
}

type Appender interface {
	AppendEvent(ctx context.Context, n relay.Notification) (relay.Event, error)
}

type Generator struct {
	cfg     Config
	hub     Appender
	logger  *zap.Logger
	running atomic.Bool
	emitted atomic.Uint64
	toggled chan struct{}
	now     func() time.Time
}

func New(cfg Config, hub Appender, logger *zap.Logger) (*Generator, error) {
	if err := validator.Validate("generator", hub, logger); err != nil {
		return nil, fmt.Errorf("failed to validate generator deps: %w", err)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("generator interval must be positive, got %s", cfg.Interval)
	}

	g := &Generator{
		cfg:     cfg,
		hub:     hub,
		logger:  logger.Named("generator"),
		toggled: make(chan struct{}, 1),
		now:     time.Now,
	}
	g.running.Store(cfg.Enabled)

	return g, nil
}

// Start resumes generating. It reports false if the generator was already running.
func (g *Generator) Start() bool {
	if !g.running.CompareAndSwap(false, true) {
		return false
	}
	g.notify()
	g.logger.Info("generator started")
	return true
}

// Stop pauses generating. It reports false if the generator was not running.
func (g *Generator) Stop() bool {
	if !g.running.CompareAndSwap(true, false) {
		return false
	}
	g.notify()
	g.logger.Info("generator stopped", zap.Uint64("emitted", g.emitted.Load()))
	return true
}

func (g *Generator) Running() bool {
	return g.running.Load()
}

// Emitted is the number of notifications appended so far.
func (g *Generator) Emitted() uint64 {
	return g.emitted.Load()
}

func (g *Generator) notify() {
	select {
	case g.toggled <- struct{}{}:
	default:
	}
}

// Run emits while the generator is running and returns when ctx is done.
func (g *Generator) Run(ctx context.Context) error {
	for {
		var tick <-chan time.Time
		if g.running.Load() {
			tick = time.After(g.next())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-g.toggled:
		case <-tick:
			g.emit(ctx)
		}
	}
}

func (g *Generator) next() time.Duration {
	if g.cfg.Jitter <= 0 {
		return g.cfg.Interval
	}
	return g.cfg.Interval + time.Duration(rand.Int63n(int64(g.cfg.Jitter)))
}

func (g *Generator) emit(ctx context.Context) {
	n := g.notification(g.emitted.Load())

	e, err := g.hub.AppendEvent(ctx, n)
	if err != nil {
		if errors.Is(err, relay.ErrClosed) {
			g.running.Store(false)
		}
		g.logger.Warn("failed to append generated event", zap.String("type", n.Type), zap.Error(err))
		return
	}

	g.emitted.Add(1)
	g.logger.Debug("generated event", zap.Uint64("sequence", e.Sequence), zap.String("type", e.Type))
}

var (
	usernames = []string{"alice", "bob", "carol", "dave", "erin"}
	chatLines = []string{
		"anyone around?",
		"deploy is green",
		"lunch in ten",
		"check the dashboard",
		"retrying the job now",
	}
	customers = []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	alerts    = []string{"info", "warning", "critical"}
)

// notification cycles through chat messages, orders and system alerts.
func (g *Generator) notification(i uint64) relay.Notification {
	ts := g.now().UTC().Format(time.RFC3339)

	switch i % 3 {
	case 0:
		return relay.Notification{Type: "message", Payload: map[string]any{
			"id":        uuid.NewString(),
			"username":  usernames[rand.Intn(len(usernames))],
			"content":   chatLines[rand.Intn(len(chatLines))],
			"timestamp": ts,
		}}
	case 1:
		return relay.Notification{Type: "order", Payload: map[string]any{
			"order_id":    fmt.Sprintf("ORD-%04d", i+1),
			"customer_id": customers[rand.Intn(len(customers))],
			"amount":      10.0 + rand.Float64()*990.0,
			"timestamp":   ts,
		}}
	default:
		return relay.Notification{Type: "system", Payload: map[string]any{
			"level":     alerts[rand.Intn(len(alerts))],
			"message":   "scheduled health check",
			"timestamp": ts,
		}}
	}
}
