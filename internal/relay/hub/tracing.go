package hub

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"relay/internal/relay"
	"relay/internal/relay/tracing"
)

// TracedHub wraps a relay.Hub with distributed tracing
// Layer order: TracedHub -> MetricsHub -> Hub (real thing)
type TracedHub struct {
	hub    relay.Hub
	tracer *tracing.Tracer
}

// NewTracedHub creates a new traced hub that wraps a metrics hub
func NewTracedHub(hub relay.Hub, tracer *tracing.Tracer) relay.Hub {
	return &TracedHub{
		hub:    hub,
		tracer: tracer,
	}
}

func (h *TracedHub) Subscribe(ctx context.Context, kind relay.TransportKind, resumeFrom *uint64) (relay.Subscriber, error) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.subscribe")
	defer span.End()

	span.SetAttributes(h.tracer.SubscriberAttributes("", kind.String())...)
	if resumeFrom != nil {
		span.SetAttributes(attribute.Int64("relay.resume_from", int64(*resumeFrom)))
	}

	sub, err := h.hub.Subscribe(ctx, kind, resumeFrom)
	if err == nil {
		span.SetAttributes(
			attribute.String("relay.subscriber_id", sub.ID),
			attribute.Int64("relay.cursor", int64(sub.Cursor)),
		)
	}

	h.tracer.End(ctx, err)
	span.SetAttributes(h.tracer.ErrorAttributes(err)...)
	return sub, err
}

func (h *TracedHub) Get(ctx context.Context, id string) (relay.Subscriber, error) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.get")
	defer span.End()

	span.SetAttributes(attribute.String("relay.subscriber_id", id))

	sub, err := h.hub.Get(ctx, id)

	h.tracer.End(ctx, err)
	return sub, err
}

func (h *TracedHub) Pull(ctx context.Context, id string, opts relay.PullOptions) (relay.Batch, error) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.pull")
	defer span.End()

	span.SetAttributes(
		attribute.String("relay.subscriber_id", id),
		attribute.Int64("relay.max_wait_ms", opts.MaxWait.Milliseconds()),
		attribute.Int("relay.limit", opts.Limit),
	)

	batch, err := h.hub.Pull(ctx, id, opts)
	if err == nil {
		span.SetAttributes(
			attribute.Int("relay.events", len(batch.Events)),
			attribute.Int64("relay.next_cursor", int64(batch.NextCursor)),
			attribute.Bool("relay.timed_out", batch.TimedOut),
		)
	}

	h.tracer.End(ctx, err)
	span.SetAttributes(h.tracer.ErrorAttributes(err)...)
	return batch, err
}

func (h *TracedHub) AttachPush(ctx context.Context, id string, sink relay.Sink) error {
	ctx, span := h.tracer.StartSpan(ctx, "hub.attach_push")
	defer span.End()

	span.SetAttributes(attribute.String("relay.subscriber_id", id))

	err := h.hub.AttachPush(ctx, id, sink)

	h.tracer.End(ctx, err)
	span.SetAttributes(h.tracer.ErrorAttributes(err)...)
	return err
}

func (h *TracedHub) Unsubscribe(ctx context.Context, id string) error {
	ctx, span := h.tracer.StartSpan(ctx, "hub.unsubscribe")
	defer span.End()

	span.SetAttributes(attribute.String("relay.subscriber_id", id))

	err := h.hub.Unsubscribe(ctx, id)

	h.tracer.End(ctx, err)
	return err
}

func (h *TracedHub) AppendEvent(ctx context.Context, n relay.Notification) (relay.Event, error) {
	ctx, span := h.tracer.StartSpan(ctx, "hub.append_event")
	defer span.End()

	span.SetAttributes(attribute.String("relay.event_type", n.Type))

	e, err := h.hub.AppendEvent(ctx, n)
	if err == nil {
		span.SetAttributes(h.tracer.EventAttributes(e.Sequence, e.Type)...)
	}

	h.tracer.End(ctx, err)
	span.SetAttributes(h.tracer.ErrorAttributes(err)...)
	return e, err
}
