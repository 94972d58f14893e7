package relay

import (
	"context"
	"time"
)

// Hub defines the boundary the dispatch core exposes to transport adapters and producers.
// A single Hub owns one event stream: every subscriber registered with it observes the
// same total order of events, whichever transport it uses.
type Hub interface {
	// Subscribe registers a new subscriber for the given transport.
	// A nil resumeFrom starts the cursor at the current tail; a non-nil value
	// starts it at that sequence, so the next delivery begins at resumeFrom+1.
	// Returns ErrInvalidResumePoint if resumeFrom references trimmed history.
	Subscribe(ctx context.Context, kind TransportKind, resumeFrom *uint64) (Subscriber, error)

	// Get returns the current view of a subscriber, or ErrNotFound.
	Get(ctx context.Context, id string) (Subscriber, error)

	// Pull returns the events after the subscriber's cursor and advances the cursor
	// past them. A zero MaxWait returns immediately (plain polling). For long-poll
	// subscribers a positive MaxWait blocks until an event arrives, the wait expires
	// or ctx is canceled. An expired wait is a normal empty batch, not an error.
	// The cursor moves before the batch reaches the client, so a client that loses
	// a response resubscribes with resumeFrom set to the last NextCursor it received.
	Pull(ctx context.Context, id string, opts PullOptions) (Batch, error)

	// AttachPush completes the handshake of a push subscriber. Any backlog after the
	// cursor is sent through the sink before live events.
	AttachPush(ctx context.Context, id string, sink Sink) error

	// Unsubscribe drains and removes a subscriber. Unknown ids are a no-op.
	Unsubscribe(ctx context.Context, id string) error

	// AppendEvent stores a notification and fans it out. It never fails because
	// of subscriber problems.
	AppendEvent(ctx context.Context, n Notification) (Event, error)
}

// PullOptions tunes a single pull.
type PullOptions struct {
	// MaxWait bounds how long a long-poll pull blocks. It is capped by the hub.
	MaxWait time.Duration
	// Limit bounds the batch size. Zero uses the hub default.
	Limit int
}

// Batch is the result of a pull.
type Batch struct {
	Events []Event `json:"events"`
	// NextCursor is the subscriber's cursor after this batch.
	NextCursor uint64 `json:"nextCursor"`
	// TimedOut is set when a long-poll wait expired with nothing to deliver.
	TimedOut bool `json:"timedOut"`
}
