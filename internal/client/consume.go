package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
)

// Handler processes one delivered event. Returning an error stops consumption.
type Handler func(ctx context.Context, e relay.Event) error

type handlerError struct {
	err error
}

func (e *handlerError) Error() string {
	return e.err.Error()
}

func (e *handlerError) Unwrap() error {
	return e.err
}

// position tracks the last sequence a consumer has seen, so a lost
// subscription can resume where it left off.
type position struct {
	cursor     uint64
	known      bool
	progressed bool
}

func (p *position) advance(seq uint64) {
	p.cursor = seq
	p.known = true
	p.progressed = true
}

func (p *position) resume() *uint64 {
	if !p.known {
		return nil
	}
	v := p.cursor
	return &v
}

func (p *position) deliver(ctx context.Context, handle Handler, e relay.Event) error {
	if p.known && e.Sequence <= p.cursor {
		return nil
	}
	if err := handle(ctx, e); err != nil {
		return &handlerError{err: err}
	}
	p.advance(e.Sequence)
	return nil
}

// Consume subscribes with a pull transport and hands every event to handle in
// order until ctx is done. An expired subscription is replaced from the last
// delivered event; trimmed history restarts from the current tail.
func (c *Client) Consume(ctx context.Context, kind relay.TransportKind, resumeFrom *uint64, opts relay.PullOptions, handle Handler) error {
	if !kind.PullCapable() {
		return relay.ErrNotPullCapable
	}

	pos := position{}
	if resumeFrom != nil {
		pos.cursor, pos.known = *resumeFrom, true
	}
	logger := c.logger.With(zap.String("transport", kind.String()))

	for {
		sub, err := c.Subscribe(ctx, kind, pos.resume())
		if errors.Is(err, relay.ErrOutOfRange) {
			logger.Warn("resume point trimmed, resubscribing from tail", zap.Uint64("cursor", pos.cursor))
			pos.known = false
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		pos.cursor, pos.known = sub.Cursor, true

		err = c.pullLoop(ctx, sub.ID, opts, handle, &pos)

		switch {
		case ctx.Err() != nil:
			c.release(sub.ID)
			return nil
		case errors.Is(err, relay.ErrOutOfRange) && !isHandler(err):
			logger.Warn("events trimmed before delivery, resubscribing from tail",
				zap.String("subscriber", sub.ID),
				zap.Uint64("cursor", pos.cursor),
			)
			c.release(sub.ID)
			pos.known = false
		case errors.Is(err, relay.ErrNotFound) && !isHandler(err):
			logger.Warn("subscription expired, resubscribing",
				zap.String("subscriber", sub.ID),
				zap.Uint64("cursor", pos.cursor),
			)
		default:
			c.release(sub.ID)
			var herr *handlerError
			if errors.As(err, &herr) {
				return herr.err
			}
			return err
		}
	}
}

func isHandler(err error) bool {
	var herr *handlerError
	return errors.As(err, &herr)
}

func (c *Client) pullLoop(ctx context.Context, id string, opts relay.PullOptions, handle Handler, pos *position) error {
	for {
		batch, err := retryable(ctx, c, "pull", func(ctx context.Context) (relay.Batch, error) {
			return c.Pull(ctx, id, opts)
		})
		if err != nil {
			return err
		}

		for _, e := range batch.Events {
			if err := pos.deliver(ctx, handle, e); err != nil {
				return err
			}
		}

		// A poll with nothing new waits before asking again. An expired long
		// poll already waited on the server.
		if len(batch.Events) == 0 && !batch.TimedOut {
			if err := sleep(ctx, c.cfg.Retry.BaseDelay); err != nil {
				return err
			}
		}
	}
}

// release unsubscribes a subscription the consumer is done with. A failure
// leaves it to the server's idle sweep.
func (c *Client) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Unsubscribe(ctx, id); err != nil {
		c.logger.Debug("failed to unsubscribe", zap.String("subscriber", id), zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = 100 * time.Millisecond
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
