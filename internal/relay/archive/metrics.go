package archive

import (
	"context"
	"time"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
)

// MetricsArchive wraps a relay.Archive with metrics collection
type MetricsArchive struct {
	archive  relay.Archive
	registry *metrics.Registry
}

// NewMetricsArchive creates a new instrumented archive
func NewMetricsArchive(archive relay.Archive, registry *metrics.Registry) relay.Archive {
	return &MetricsArchive{
		archive:  archive,
		registry: registry,
	}
}

func (a *MetricsArchive) StoreEvent(ctx context.Context, e relay.Event) error {
	start := time.Now()
	err := a.archive.StoreEvent(ctx, e)
	a.registry.RecordArchiveOperation("store_event", time.Since(start), err)

	return err
}

func (a *MetricsArchive) LoadEvents(ctx context.Context, after uint64, limit int) ([]relay.Event, error) {
	start := time.Now()
	events, err := a.archive.LoadEvents(ctx, after, limit)
	a.registry.RecordArchiveOperation("load_events", time.Since(start), err)

	return events, err
}

func (a *MetricsArchive) LastSequence(ctx context.Context) (uint64, error) {
	start := time.Now()
	seq, err := a.archive.LastSequence(ctx)
	a.registry.RecordArchiveOperation("last_sequence", time.Since(start), err)

	return seq, err
}

func (a *MetricsArchive) ReserveSequences(ctx context.Context, upTo uint64) error {
	start := time.Now()
	err := a.archive.ReserveSequences(ctx, upTo)
	a.registry.RecordArchiveOperation("reserve_sequences", time.Since(start), err)

	return err
}

func (a *MetricsArchive) ReservedSequence(ctx context.Context) (uint64, error) {
	start := time.Now()
	seq, err := a.archive.ReservedSequence(ctx)
	a.registry.RecordArchiveOperation("reserved_sequence", time.Since(start), err)

	return seq, err
}

// GetCursor does not count relay.ErrNotFound as a failure.
func (a *MetricsArchive) GetCursor(ctx context.Context, subscriberID string) (uint64, error) {
	start := time.Now()
	cur, err := a.archive.GetCursor(ctx, subscriberID)

	recorded := err
	if isNotFound(err) {
		recorded = nil
	}
	a.registry.RecordArchiveOperation("get_cursor", time.Since(start), recorded)

	return cur, err
}

func (a *MetricsArchive) CommitCursor(ctx context.Context, subscriberID string, cursor uint64) error {
	start := time.Now()
	err := a.archive.CommitCursor(ctx, subscriberID, cursor)
	a.registry.RecordArchiveOperation("commit_cursor", time.Since(start), err)

	return err
}
