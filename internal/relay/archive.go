package relay

import "context"

// Archive defines durable storage for the event stream and subscriber checkpoints.
// The in-memory event log stays the source of truth for delivery; the archive lets a
// restarted hub continue the sequence without reuse and lets clients look up where a
// closed subscriber stopped.
type Archive interface {
	// StoreEvent persists an appended event. Storing an already stored
	// sequence is not an error.
	StoreEvent(ctx context.Context, e Event) error

	// LoadEvents returns up to limit events with sequence greater than after,
	// in ascending order.
	LoadEvents(ctx context.Context, after uint64, limit int) ([]Event, error)

	// LastSequence returns the highest stored sequence, 0 for an empty archive.
	LastSequence(ctx context.Context) (uint64, error)

	// ReserveSequences durably records that sequences up to upTo may be handed
	// out. The hub reserves before assigning, so a restart continues after the
	// reservation even when stored events were lost. It only ever moves forward.
	ReserveSequences(ctx context.Context, upTo uint64) error

	// ReservedSequence returns the highest reserved sequence, 0 when none was reserved.
	ReservedSequence(ctx context.Context) (uint64, error)

	// GetCursor returns the checkpointed cursor of a subscriber, or ErrNotFound.
	GetCursor(ctx context.Context, subscriberID string) (uint64, error)

	// CommitCursor records a subscriber's cursor. It only ever moves forward.
	CommitCursor(ctx context.Context, subscriberID string, cursor uint64) error
}
