package hub

import (
	"context"
	"time"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
)

// MetricsHub wraps a relay.Hub with metrics collection
type MetricsHub struct {
	hub      relay.Hub
	registry *metrics.Registry
}

// NewMetricsHub creates a new instrumented hub
func NewMetricsHub(hub relay.Hub, registry *metrics.Registry) relay.Hub {
	return &MetricsHub{
		hub:      hub,
		registry: registry,
	}
}

func (h *MetricsHub) Subscribe(ctx context.Context, kind relay.TransportKind, resumeFrom *uint64) (relay.Subscriber, error) {
	start := time.Now()
	sub, err := h.hub.Subscribe(ctx, kind, resumeFrom)
	h.registry.RecordOperation("subscribe", kind.String(), time.Since(start), err)

	return sub, err
}

func (h *MetricsHub) Get(ctx context.Context, id string) (relay.Subscriber, error) {
	start := time.Now()
	sub, err := h.hub.Get(ctx, id)
	h.registry.RecordOperation("get", sub.Transport.String(), time.Since(start), err)

	return sub, err
}

func (h *MetricsHub) Pull(ctx context.Context, id string, opts relay.PullOptions) (relay.Batch, error) {
	start := time.Now()
	batch, err := h.hub.Pull(ctx, id, opts)
	duration := time.Since(start)

	transport := string(relay.TransportPoll)
	if opts.MaxWait > 0 {
		transport = string(relay.TransportLongPoll)
	}
	h.registry.RecordOperation("pull", transport, duration, err)
	h.registry.RecordPull(transport, len(batch.Events), batch.TimedOut, err)

	return batch, err
}

func (h *MetricsHub) AttachPush(ctx context.Context, id string, sink relay.Sink) error {
	start := time.Now()
	err := h.hub.AttachPush(ctx, id, sink)
	h.registry.RecordOperation("attach_push", "", time.Since(start), err)

	return err
}

func (h *MetricsHub) Unsubscribe(ctx context.Context, id string) error {
	start := time.Now()
	err := h.hub.Unsubscribe(ctx, id)
	h.registry.RecordOperation("unsubscribe", "", time.Since(start), err)

	return err
}

func (h *MetricsHub) AppendEvent(ctx context.Context, n relay.Notification) (relay.Event, error) {
	start := time.Now()
	e, err := h.hub.AppendEvent(ctx, n)
	h.registry.RecordOperation("append_event", "", time.Since(start), err)

	return e, err
}
