package lifecycle

import (
	"context"
	"time"
)

// Outcome is how a long-poll wait ended. Exactly one outcome wins.
type Outcome int

const (
	Woken Outcome = iota
	TimedOut
	Canceled
	Drained
)

func (o Outcome) String() string {
	switch o {
	case Woken:
		return "woken"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	case Drained:
		return "drained"
	default:
		return "unknown"
	}
}

// Waiter is a standing "wake me on the next event" registration.
type Waiter struct {
	c  *conn
	ch chan struct{}
}

// Release unregisters the waiter if it is still armed. Safe to call more than once.
func (w *Waiter) Release() {
	w.c.wmu.Lock()
	defer w.c.wmu.Unlock()

	if w.c.wake == w.ch {
		w.c.wake = nil
	}
}

// Arm registers a waiter for the subscriber. Arm before reading the log so an
// append racing with the read still wakes the wait.
func (m *Manager) Arm(id string) (*Waiter, error) {
	c, err := m.connFor(id)
	if err != nil {
		return nil, err
	}

	ch := make(chan struct{})

	c.wmu.Lock()
	if c.wake != nil {
		close(c.wake)
	}
	c.wake = ch
	c.wmu.Unlock()

	return &Waiter{c: c, ch: ch}, nil
}

// Wake resolves the subscriber's armed waiter, if any.
func (m *Manager) Wake(id string) bool {
	c := m.lookup(id)
	if c == nil {
		return false
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.wake == nil {
		return false
	}
	close(c.wake)
	c.wake = nil

	return true
}

// Waiting reports whether the subscriber has an armed waiter.
func (m *Manager) Waiting(id string) bool {
	c := m.lookup(id)
	if c == nil {
		return false
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	return c.wake != nil
}

// Await blocks until the waiter is woken, maxWait (capped by LongPollMaxWait)
// elapses, ctx is done or the subscriber starts draining.
func (m *Manager) Await(ctx context.Context, w *Waiter, maxWait time.Duration) Outcome {
	wait := m.ClampWait(maxWait)
	if wait <= 0 {
		return TimedOut
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-w.ch:
		select {
		case <-w.c.stop:
			return Drained
		default:
			return Woken
		}
	case <-w.c.stop:
		return Drained
	case <-timer.C:
		return TimedOut
	case <-ctx.Done():
		return Canceled
	}
}

// ClampWait applies the LongPollMaxWait cap.
func (m *Manager) ClampWait(d time.Duration) time.Duration {
	if m.cfg.LongPollMaxWait > 0 && d > m.cfg.LongPollMaxWait {
		return m.cfg.LongPollMaxWait
	}
	return d
}
