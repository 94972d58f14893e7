package registry

import (
	"sync"
	"time"

	"relay/internal/relay"
)

// Record is the registry-owned subscriber entry.
type Record struct {
	id        string
	kind      relay.TransportKind
	createdAt time.Time

	mu       sync.Mutex
	cursor   uint64
	state    relay.State
	lastSeen time.Time
}

func (r *Record) ID() string {
	return r.id
}

func (r *Record) Kind() relay.TransportKind {
	return r.kind
}

func (r *Record) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cursor
}

func (r *Record) State() relay.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

func (r *Record) Snapshot() relay.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	return relay.Subscriber{
		ID:        r.id,
		Transport: r.kind,
		Cursor:    r.cursor,
		State:     r.state,
		CreatedAt: r.createdAt,
		LastSeen:  r.lastSeen,
	}
}

func (r *Record) advance(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq <= r.cursor {
		return false
	}
	r.cursor = seq

	return true
}

func (r *Record) transition(to relay.State) (relay.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.state
	if !relay.CanTransition(from, to) {
		return from, &relay.TransitionError{ID: r.id, From: from, To: to}
	}
	r.state = to

	return from, nil
}

func (r *Record) touch(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.After(r.lastSeen) {
		r.lastSeen = t
	}
}
