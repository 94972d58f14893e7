// Package eventlog provides the append-only, in-memory event log that is the
// source of truth for delivery. Sequences start at 1 and are never reused.
package eventlog

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay"
)

// Config holds the retention policy.
type Config struct {
	// MinEvents is the number of newest events kept even when every subscriber has passed them,
	// so short disconnects can resume.
	MinEvents int `env:"MIN_EVENTS" envDefault:"1024"`
	// MaxEvents caps the retained events. Zero disables the cap.
	MaxEvents int `env:"MAX_EVENTS" envDefault:"100000"`
	// MaxAge trims events older than this even if still needed. Zero disables it.
	MaxAge time.Duration `env:"MAX_AGE" envDefault:"1h"`
}

// Log is safe for concurrent use. Readers get snapshots that stay valid across trims.
type Log struct {
	mu       sync.RWMutex
	events   []relay.Event
	base     uint64 // highest trimmed sequence; everything <= base is gone
	last     uint64 // highest assigned sequence
	lastTime time.Time

	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used for CreatedAt and age-based trimming.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Log{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("eventlog"),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Append assigns the next sequence to the notification and stores it.
func (l *Log) Append(n relay.Notification) (relay.Event, error) {
	if err := relay.ValidateType(n.Type); err != nil {
		return relay.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	payload, err := relay.EncodePayload(n.Payload)
	if err != nil {
		return relay.Event{}, fmt.Errorf("failed to append event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	created := l.now().UTC()
	if created.Before(l.lastTime) {
		created = l.lastTime
	}

	l.last++
	e := relay.Event{
		Sequence:  l.last,
		Type:      n.Type,
		Payload:   payload,
		CreatedAt: created,
	}
	l.events = append(l.events, e)
	l.lastTime = created

	return e, nil
}

// Tail returns the highest assigned sequence, 0 when nothing was appended.
func (l *Log) Tail() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.last
}

// Base returns the highest trimmed sequence. Reading after any position below it fails.
func (l *Log) Base() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.base
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.events)
}

// Covers reports whether a cursor at seq can be served: nothing after it was trimmed
// and it does not point past the tail.
func (l *Log) Covers(seq uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq < l.base || seq > l.last {
		return fmt.Errorf("%w: sequence %d outside retained range [%d, %d]", relay.ErrOutOfRange, seq, l.base, l.last)
	}

	return nil
}

// ReadFrom returns a snapshot of every event with sequence greater than after.
func (l *Log) ReadFrom(after uint64) (*Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after < l.base {
		return nil, fmt.Errorf("%w: read after %d but history starts after %d", relay.ErrOutOfRange, after, l.base)
	}

	i, _ := slices.BinarySearchFunc(l.events, after+1, func(e relay.Event, seq uint64) int {
		return cmp.Compare(e.Sequence, seq)
	})

	// Full slice expression pins the view: later appends can never write into it.
	view := l.events[i:len(l.events):len(l.events)]
	return &Snapshot{events: view}, nil
}

// TrimResult describes one retention pass.
type TrimResult struct {
	Removed int
	// Lost counts removed events some registered subscriber had not received yet.
	Lost int
	Base uint64
}

// Trim applies the retention policy. Events at or below minCursor are removable once
// outside the MinEvents floor; MaxEvents and MaxAge apply regardless of minCursor.
func (l *Log) Trim(minCursor uint64) TrimResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.events)
	cut := 0

	keepFrom := n - l.cfg.MinEvents
	for cut < keepFrom && l.events[cut].Sequence <= minCursor {
		cut++
	}

	if l.cfg.MaxEvents > 0 && n-cut > l.cfg.MaxEvents {
		cut = n - l.cfg.MaxEvents
	}

	if l.cfg.MaxAge > 0 {
		deadline := l.now().UTC().Add(-l.cfg.MaxAge)
		for cut < n && l.events[cut].CreatedAt.Before(deadline) {
			cut++
		}
	}

	if cut == 0 {
		return TrimResult{Base: l.base}
	}

	lost := 0
	for _, e := range l.events[:cut] {
		if e.Sequence > minCursor {
			lost++
		}
	}

	l.base = l.events[cut-1].Sequence
	l.events = slices.Clone(l.events[cut:])

	if lost > 0 {
		l.logger.Warn("trimmed events not yet delivered to every subscriber",
			zap.Int("lost", lost),
			zap.Uint64("minCursor", minCursor),
			zap.Uint64("base", l.base),
		)
	}

	return TrimResult{Removed: cut, Lost: lost, Base: l.base}
}

// Restore resets the log after a restart. last is the highest sequence ever assigned;
// events, if any, must be ascending and end at or before last. Sequences up to the
// first restored event are treated as trimmed.
func (l *Log) Restore(last uint64, events []relay.Event) error {
	if !slices.IsSortedFunc(events, func(a, b relay.Event) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	}) {
		return fmt.Errorf("failed to restore log: events are not in sequence order")
	}
	if len(events) > 0 && events[len(events)-1].Sequence > last {
		return fmt.Errorf("failed to restore log: event %d beyond last sequence %d", events[len(events)-1].Sequence, last)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.last = last
	l.base = last
	l.events = slices.Clone(events)
	if len(events) > 0 {
		l.base = events[0].Sequence - 1
		l.lastTime = events[len(events)-1].CreatedAt
	}

	l.logger.Info("event log restored",
		zap.Uint64("last", l.last),
		zap.Uint64("base", l.base),
		zap.Int("events", len(l.events)),
	)

	return nil
}

// Snapshot is an immutable view of a contiguous run of events.
type Snapshot struct {
	events []relay.Event
}

func (s *Snapshot) Len() int {
	return len(s.events)
}

// All yields the events in ascending order. It can be ranged over any number of times.
func (s *Snapshot) All() iter.Seq[relay.Event] {
	return func(yield func(relay.Event) bool) {
		for _, e := range s.events {
			if !yield(e) {
				return
			}
		}
	}
}

// Take copies out at most n events; n <= 0 takes all of them.
func (s *Snapshot) Take(n int) []relay.Event {
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}

	return slices.Clone(s.events[:n])
}
