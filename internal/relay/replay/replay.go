// Package replay computes what a subscriber has not received yet. It never
// moves cursors: callers advance them once a batch is confirmed delivered.
package replay

import (
	"fmt"

	"relay/internal/relay"
	"relay/internal/relay/eventlog"
)

// Source is the read side of the event log.
type Source interface {
	ReadFrom(after uint64) (*eventlog.Snapshot, error)
}

// Batch returns the events strictly after cursor, ascending, at most limit of them.
// limit <= 0 means no limit.
func Batch(src Source, cursor uint64, limit int) ([]relay.Event, error) {
	snap, err := src.ReadFrom(cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to replay after %d: %w", cursor, err)
	}

	return snap.Take(limit), nil
}

// For is Batch for a subscriber's current cursor.
func For(src Source, sub relay.Subscriber, limit int) ([]relay.Event, error) {
	return Batch(src, sub.Cursor, limit)
}

// Lag returns how many retained events are after cursor.
func Lag(src Source, cursor uint64) (int, error) {
	snap, err := src.ReadFrom(cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to compute lag after %d: %w", cursor, err)
	}

	return snap.Len(), nil
}

// NextCursor is the cursor a subscriber reaches after receiving events.
func NextCursor(cursor uint64, events []relay.Event) uint64 {
	if len(events) == 0 {
		return cursor
	}

	return max(cursor, events[len(events)-1].Sequence)
}
