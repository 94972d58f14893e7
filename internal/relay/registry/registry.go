// Package registry owns subscriber records: transport kind, delivery cursor and
// lifecycle state. Every mutation of a single record is serialized by that
// record's own lock.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/relay"
	"relay/internal/validator"
)

// History is the view of the event log the registry needs to validate resume points.
type History interface {
	Tail() uint64
	Covers(seq uint64) error
}

type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	history History
	now     func() time.Time
	newID   func() string
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithIDGenerator overrides the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

func New(history History, opts ...Option) (*Registry, error) {
	r := Registry{
		records: make(map[string]*Record),
		history: history,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(&r)
	}

	if err := validator.Validate("registry", r.history); err != nil {
		return nil, fmt.Errorf("failed to validate registry deps: %w", err)
	}

	return &r, nil
}

// Register creates a pending subscriber. A nil resumeFrom starts at the log tail.
func (r *Registry) Register(kind relay.TransportKind, resumeFrom *uint64) (relay.Subscriber, error) {
	if !kind.Valid() {
		return relay.Subscriber{}, fmt.Errorf("%w: %q", relay.ErrInvalidTransport, kind)
	}

	cursor := r.history.Tail()
	if resumeFrom != nil {
		if err := r.history.Covers(*resumeFrom); err != nil {
			return relay.Subscriber{}, fmt.Errorf("%w: %w", relay.ErrInvalidResumePoint, err)
		}
		cursor = *resumeFrom
	}

	now := r.now().UTC()
	rec := &Record{
		id:        r.newID(),
		kind:      kind,
		createdAt: now,
		cursor:    cursor,
		state:     relay.StatePending,
		lastSeen:  now,
	}

	r.mu.Lock()
	r.records[rec.id] = rec
	r.mu.Unlock()

	return rec.Snapshot(), nil
}

// Get returns a copy of the subscriber record.
func (r *Registry) Get(id string) (relay.Subscriber, bool) {
	rec, ok := r.Lookup(id)
	if !ok {
		return relay.Subscriber{}, false
	}

	return rec.Snapshot(), true
}

// Lookup returns the live record. Callers outside the relay core should prefer Get.
func (r *Registry) Lookup(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	return rec, ok
}

// AdvanceCursor moves the cursor forward. It reports false without error when seq
// does not move it, which makes duplicate delivery confirmations harmless.
func (r *Registry) AdvanceCursor(id string, seq uint64) (bool, error) {
	rec, ok := r.Lookup(id)
	if !ok {
		return false, relay.ErrNotFound
	}

	return rec.advance(seq), nil
}

// Transition moves a subscriber to a new state and returns the previous one.
func (r *Registry) Transition(id string, to relay.State) (relay.State, error) {
	rec, ok := r.Lookup(id)
	if !ok {
		return "", relay.ErrNotFound
	}

	return rec.transition(to)
}

// Touch records activity on a subscriber.
func (r *Registry) Touch(id string) error {
	rec, ok := r.Lookup(id)
	if !ok {
		return relay.ErrNotFound
	}

	rec.touch(r.now().UTC())
	return nil
}

// Unregister removes the record. It reports whether anything was removed and is safe
// to call repeatedly.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)

	return true
}

// Each calls fn for every record until fn returns false. The set of records is
// copied first, so fn may call back into the registry.
func (r *Registry) Each(fn func(*Record) bool) {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		if !fn(rec) {
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records)
}

// MinCursor returns the smallest cursor among subscribers that are not closed.
// ok is false when there are none.
func (r *Registry) MinCursor() (min uint64, ok bool) {
	r.Each(func(rec *Record) bool {
		sub := rec.Snapshot()
		if sub.State == relay.StateClosed {
			return true
		}
		if !ok || sub.Cursor < min {
			min, ok = sub.Cursor, true
		}
		return true
	})

	return min, ok
}

// Counts groups subscribers by transport and state.
func (r *Registry) Counts() map[relay.TransportKind]map[relay.State]int {
	counts := make(map[relay.TransportKind]map[relay.State]int, len(relay.Transports))
	for _, k := range relay.Transports {
		counts[k] = map[relay.State]int{}
	}

	r.Each(func(rec *Record) bool {
		counts[rec.kind][rec.State()]++
		return true
	})

	return counts
}
