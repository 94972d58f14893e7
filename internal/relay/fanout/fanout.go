// Package fanout delivers one appended event to every eligible subscriber.
package fanout

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/relay"
	"relay/internal/relay/registry"
	"relay/internal/validator"
)

// Pusher is the connection side the dispatcher drives.
type Pusher interface {
	// Push sends the event through the subscriber's sink.
	Push(ctx context.Context, id string, e relay.Event) error
	// Fail starts draining a subscriber whose transport failed. It must not block
	// on the subscriber's in-flight sends.
	Fail(id string, cause error)
	// Wake resolves an armed long-poll waiter.
	Wake(id string) bool
}

// Result counts what a single dispatch did.
type Result struct {
	Delivered int
	Failed    int
	Woken     int
}

type Dispatcher struct {
	registry *registry.Registry
	pusher   Pusher
	logger   *zap.Logger
	limit    int
}

// Config bounds dispatch concurrency.
type Config struct {
	// Concurrency is the maximum number of concurrent pushes per event.
	Concurrency int `env:"FANOUT_CONCURRENCY" envDefault:"64"`
}

func New(cfg Config, reg *registry.Registry, pusher Pusher, logger *zap.Logger) (*Dispatcher, error) {
	d := Dispatcher{
		registry: reg,
		pusher:   pusher,
		logger:   logger,
		limit:    max(cfg.Concurrency, 1),
	}

	if err := validator.Validate("fanout", d.registry, d.pusher, d.logger); err != nil {
		return nil, fmt.Errorf("failed to validate fanout deps: %w", err)
	}
	d.logger = d.logger.Named("fanout")

	return &d, nil
}

// Dispatch pushes e to every active push subscriber that has not seen it yet and
// wakes long-poll waiters. A failing subscriber is handed to Pusher.Fail and never
// affects delivery to the others. Dispatch returns once every push has finished,
// so calling it under the append lock keeps per-subscriber order.
func (d *Dispatcher) Dispatch(ctx context.Context, e relay.Event) Result {
	var push []*registry.Record
	var woken int

	d.registry.Each(func(rec *registry.Record) bool {
		if rec.State() != relay.StateActive || rec.Cursor() >= e.Sequence {
			return true
		}

		switch kind := rec.Kind(); {
		case kind.PushCapable():
			push = append(push, rec)
		case kind == relay.TransportLongPoll:
			if d.pusher.Wake(rec.ID()) {
				woken++
			}
		}
		return true
	})

	var delivered, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(d.limit)
	for _, rec := range push {
		g.Go(func() error {
			id := rec.ID()
			if err := d.pusher.Push(ctx, id, e); err != nil {
				failed.Add(1)
				d.logger.Debug("push failed",
					zap.String("subscriber", id),
					zap.Uint64("sequence", e.Sequence),
					zap.Error(err),
				)
				d.pusher.Fail(id, err)
				return nil
			}

			// The record may be gone by now; a lost advance is harmless.
			_, _ = d.registry.AdvanceCursor(id, e.Sequence)
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
		Woken:     woken,
	}
}
