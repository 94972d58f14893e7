package relay

import "context"

// Sink is the push capability a transport adapter hands to the hub.
// Send returns once the event is written to the transport or fails.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Heartbeater is implemented by sinks that support keep-alive frames.
// Heartbeats never advance the subscriber's cursor.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
}
