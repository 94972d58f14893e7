package archive

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"relay/internal/relay"
	"relay/internal/relay/tracing"
)

// TracedArchive wraps a relay.Archive with distributed tracing
// Layer order: TracedArchive -> MetricsArchive -> archive (real thing)
type TracedArchive struct {
	archive relay.Archive
	tracer  *tracing.Tracer
	system  string
}

// NewTracedArchive creates a traced archive. system names the backing store in spans.
func NewTracedArchive(archive relay.Archive, tracer *tracing.Tracer, system string) relay.Archive {
	return &TracedArchive{
		archive: archive,
		tracer:  tracer,
		system:  system,
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, relay.ErrNotFound)
}

func (a *TracedArchive) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := a.tracer.StartSpan(ctx, "archive."+op)
	span.SetAttributes(a.tracer.ArchiveAttributes(op, a.system)...)
	span.SetAttributes(attrs...)

	return ctx, func(err error) {
		if isNotFound(err) {
			err = nil
		}
		a.tracer.End(ctx, err)
		span.SetAttributes(a.tracer.ErrorAttributes(err)...)
		span.End()
	}
}

func (a *TracedArchive) StoreEvent(ctx context.Context, e relay.Event) error {
	ctx, end := a.start(ctx, "store_event", a.tracer.EventAttributes(e.Sequence, e.Type)...)
	err := a.archive.StoreEvent(ctx, e)
	end(err)

	return err
}

func (a *TracedArchive) LoadEvents(ctx context.Context, after uint64, limit int) ([]relay.Event, error) {
	ctx, end := a.start(ctx, "load_events",
		attribute.Int64("relay.after", int64(after)),
		attribute.Int("relay.limit", limit),
	)
	events, err := a.archive.LoadEvents(ctx, after, limit)
	end(err)

	return events, err
}

func (a *TracedArchive) LastSequence(ctx context.Context) (uint64, error) {
	ctx, end := a.start(ctx, "last_sequence")
	seq, err := a.archive.LastSequence(ctx)
	end(err)

	return seq, err
}

func (a *TracedArchive) ReserveSequences(ctx context.Context, upTo uint64) error {
	ctx, end := a.start(ctx, "reserve_sequences", attribute.Int64("relay.reserve_up_to", int64(upTo)))
	err := a.archive.ReserveSequences(ctx, upTo)
	end(err)

	return err
}

func (a *TracedArchive) ReservedSequence(ctx context.Context) (uint64, error) {
	ctx, end := a.start(ctx, "reserved_sequence")
	seq, err := a.archive.ReservedSequence(ctx)
	end(err)

	return seq, err
}

func (a *TracedArchive) GetCursor(ctx context.Context, subscriberID string) (uint64, error) {
	ctx, end := a.start(ctx, "get_cursor", attribute.String("relay.subscriber_id", subscriberID))
	cur, err := a.archive.GetCursor(ctx, subscriberID)
	end(err)

	return cur, err
}

func (a *TracedArchive) CommitCursor(ctx context.Context, subscriberID string, cursor uint64) error {
	ctx, end := a.start(ctx, "commit_cursor",
		attribute.String("relay.subscriber_id", subscriberID),
		attribute.Int64("relay.cursor", int64(cursor)),
	)
	err := a.archive.CommitCursor(ctx, subscriberID, cursor)
	end(err)

	return err
}
