// Package hub composes the event log, subscriber registry, replay, fan-out and
// connection lifecycle into the relay.Hub boundary used by transport adapters.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relay/internal/relay"
	"relay/internal/relay/eventlog"
	"relay/internal/relay/fanout"
	"relay/internal/relay/lifecycle"
	"relay/internal/relay/registry"
	"relay/internal/relay/replay"
	"relay/internal/relay/retry"
	"relay/internal/validator"
)

type Config struct {
	Retention eventlog.Config
	Lifecycle lifecycle.Config
	Fanout    fanout.Config

	// RetentionInterval is how often the log is trimmed.
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" envDefault:"10s"`
	// PullBatchLimit caps the events returned by one pull.
	PullBatchLimit int `env:"PULL_BATCH_LIMIT" envDefault:"500"`

	// ArchiveQueue is the number of pending archive writes before new ones are dropped.
	ArchiveQueue int `env:"ARCHIVE_QUEUE" envDefault:"4096"`
	// ArchiveWarmEvents is how many archived events Restore loads back into the log.
	ArchiveWarmEvents int `env:"ARCHIVE_WARM_EVENTS" envDefault:"1024"`
	// ArchiveSequenceBlock is how many sequences one archive reservation covers.
	// A restart skips whatever is left of the block. Values below one reserve
	// every sequence on its own.
	ArchiveSequenceBlock int          `env:"ARCHIVE_SEQUENCE_BLOCK" envDefault:"1024"`
	ArchiveRetry         retry.Policy `envPrefix:"ARCHIVE_"`
}

// Observer receives hub statistics. *metrics.Registry implements it.
type Observer interface {
	RecordAppend(eventType string)
	RecordFanout(delivered, failed, woken int)
	RecordBacklog(events int)
	RecordTrim(removed, lost int)
	RecordDrain(transport, reason string)
	UpdateSubscribers(transport, state string, count int)
	UpdateLog(retained int, base, tail uint64)
	UpdateLag(maxLag int)
}

type nopObserver struct{}

func (nopObserver) RecordAppend(string)                   {}
func (nopObserver) RecordFanout(int, int, int)            {}
func (nopObserver) RecordBacklog(int)                     {}
func (nopObserver) RecordTrim(int, int)                   {}
func (nopObserver) RecordDrain(string, string)            {}
func (nopObserver) UpdateSubscribers(string, string, int) {}
func (nopObserver) UpdateLog(int, uint64, uint64)         {}
func (nopObserver) UpdateLag(int)                         {}

type archiveOp struct {
	event      *relay.Event
	subscriber string
	cursor     uint64
}

// Hub is the relay.Hub implementation. Append and fan-out run under one lock,
// so every subscriber observes events in sequence order.
type Hub struct {
	appendMu sync.Mutex
	closed   atomic.Bool

	log        *eventlog.Log
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	dispatcher *fanout.Dispatcher

	archive  relay.Archive
	queue    chan archiveOp
	reserved uint64 // highest sequence the archive allows; guarded by appendMu
	observer Observer

	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Hub.
type Option func(*Hub)

// WithArchive persists events and closed subscribers' cursors.
func WithArchive(a relay.Archive) Option {
	return func(h *Hub) {
		h.archive = a
	}
}

func WithObserver(o Observer) Option {
	return func(h *Hub) {
		h.observer = o
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(h *Hub) {
		h.newID = fn
	}
}

func New(cfg Config, logger *zap.Logger, opts ...Option) (*Hub, error) {
	h := &Hub{
		observer: nopObserver{},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}

	if err := validator.Validate("hub", h.logger); err != nil {
		return nil, fmt.Errorf("failed to validate hub deps: %w", err)
	}

	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("hub")

	h.log = eventlog.New(cfg.Retention, h.logger, eventlog.WithClock(h.now))

	regOpts := []registry.Option{registry.WithClock(h.now)}
	if h.newID != nil {
		regOpts = append(regOpts, registry.WithIDGenerator(h.newID))
	}
	reg, err := registry.New(h.log, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	h.registry = reg

	mgr, err := lifecycle.New(cfg.Lifecycle, reg, h.logger,
		lifecycle.WithClock(h.now),
		lifecycle.WithCloseHook(h.onClose),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle manager: %w", err)
	}
	h.lifecycle = mgr

	d, err := fanout.New(cfg.Fanout, reg, mgr, h.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	h.dispatcher = d

	if h.archive != nil {
		h.queue = make(chan archiveOp, max(cfg.ArchiveQueue, 1))
	}

	return h, nil
}

// Restore continues the sequence after the highest reserved sequence, so
// sequences handed out before a crash or a dropped archive write are never
// reused, and warms the log with the newest archived events. Call it before serving.
func (h *Hub) Restore(ctx context.Context) error {
	if h.archive == nil {
		return nil
	}

	stored, err := h.archive.LastSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore hub: %w", err)
	}
	reserved, err := h.archive.ReservedSequence(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore hub: %w", err)
	}
	last := max(stored, reserved)

	warm := uint64(max(h.cfg.ArchiveWarmEvents, 0))
	var events []relay.Event
	if warm > 0 && stored > 0 {
		events, err = h.archive.LoadEvents(ctx, stored-min(stored, warm), int(warm))
		if err != nil {
			return fmt.Errorf("failed to restore hub: %w", err)
		}
	}

	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	if err := h.log.Restore(last, events); err != nil {
		return fmt.Errorf("failed to restore hub: %w", err)
	}
	h.reserved = last

	if last > stored {
		h.logger.Info("skipping unarchived sequences",
			zap.Uint64("stored", stored),
			zap.Uint64("resumeAfter", last),
		)
	}

	return nil
}

func (h *Hub) Subscribe(_ context.Context, kind relay.TransportKind, resumeFrom *uint64) (relay.Subscriber, error) {
	if h.closed.Load() {
		return relay.Subscriber{}, relay.ErrClosed
	}

	sub, err := h.registry.Register(kind, resumeFrom)
	if err != nil {
		return relay.Subscriber{}, err
	}

	h.logger.Debug("subscriber registered",
		zap.String("subscriber", sub.ID),
		zap.String("transport", sub.Transport.String()),
		zap.Uint64("cursor", sub.Cursor),
	)

	return sub, nil
}

// Get returns a live subscriber, or the archived checkpoint of a closed one.
func (h *Hub) Get(ctx context.Context, id string) (relay.Subscriber, error) {
	if sub, ok := h.registry.Get(id); ok {
		return sub, nil
	}
	if h.archive == nil {
		return relay.Subscriber{}, relay.ErrNotFound
	}

	cursor, err := h.archive.GetCursor(ctx, id)
	switch {
	case err == nil:
		return relay.Subscriber{ID: id, Cursor: cursor, State: relay.StateClosed}, nil
	case errors.Is(err, relay.ErrNotFound):
		return relay.Subscriber{}, relay.ErrNotFound
	default:
		return relay.Subscriber{}, fmt.Errorf("failed to get subscriber %s: %w", id, err)
	}
}

// Pull advances the cursor before the batch reaches the client. A client that
// loses a response must resubscribe with resumeFrom set to the last nextCursor it
// received.
func (h *Hub) Pull(ctx context.Context, id string, opts relay.PullOptions) (relay.Batch, error) {
	if h.closed.Load() {
		return relay.Batch{}, relay.ErrClosed
	}

	rec, ok := h.registry.Lookup(id)
	if !ok {
		return relay.Batch{}, relay.ErrNotFound
	}
	if err := h.lifecycle.Activate(id); err != nil {
		return relay.Batch{}, err
	}

	release, err := h.lifecycle.Serialize(ctx, id)
	if err != nil {
		return relay.Batch{}, err
	}
	defer release()

	limit := opts.Limit
	if h.cfg.PullBatchLimit > 0 && (limit <= 0 || limit > h.cfg.PullBatchLimit) {
		limit = h.cfg.PullBatchLimit
	}

	var wait time.Duration
	if rec.Kind() == relay.TransportLongPoll {
		wait = h.lifecycle.ClampWait(opts.MaxWait)
	}
	deadline := h.now().Add(wait)

	for {
		var w *lifecycle.Waiter
		if wait > 0 {
			// Armed before reading so an append between the read and the wait still wakes us.
			if w, err = h.lifecycle.Arm(id); err != nil {
				return relay.Batch{}, err
			}
		}

		events, err := replay.Batch(h.log, rec.Cursor(), limit)
		if err != nil || len(events) > 0 || wait <= 0 {
			if w != nil {
				w.Release()
			}
			if err != nil {
				return relay.Batch{}, err
			}
			return h.deliver(rec, events), nil
		}

		outcome := h.lifecycle.Await(ctx, w, deadline.Sub(h.now()))
		w.Release()

		switch outcome {
		case lifecycle.Woken:
			continue
		case lifecycle.TimedOut:
			h.lifecycle.Touch(id)
			return relay.Batch{Events: []relay.Event{}, NextCursor: rec.Cursor(), TimedOut: true}, nil
		case lifecycle.Canceled:
			h.lifecycle.Drain(id, lifecycle.ReasonClientCanceled)
			return relay.Batch{}, fmt.Errorf("long poll for %s canceled: %w", id, ctx.Err())
		default:
			return relay.Batch{}, relay.ErrNotFound
		}
	}
}

func (h *Hub) deliver(rec *registry.Record, events []relay.Event) relay.Batch {
	if events == nil {
		events = []relay.Event{}
	}

	if next := replay.NextCursor(rec.Cursor(), events); next > 0 {
		_, _ = h.registry.AdvanceCursor(rec.ID(), next)
	}
	h.lifecycle.Touch(rec.ID())

	return relay.Batch{Events: events, NextCursor: rec.Cursor()}
}

// AttachPush activates a push subscriber and replays its backlog through the sink
// before any live event, all under the append lock.
func (h *Hub) AttachPush(ctx context.Context, id string, sink relay.Sink) error {
	if h.closed.Load() {
		return relay.ErrClosed
	}

	h.appendMu.Lock()
	defer h.appendMu.Unlock()

	if err := h.lifecycle.Attach(id, sink); err != nil {
		return err
	}

	rec, ok := h.registry.Lookup(id)
	if !ok {
		return relay.ErrNotFound
	}

	events, err := replay.For(h.log, rec.Snapshot(), 0)
	if err != nil {
		h.lifecycle.Drain(id, lifecycle.ReasonTransportError)
		return err
	}

	for _, e := range events {
		if err := h.lifecycle.Push(ctx, id, e); err != nil {
			h.lifecycle.Fail(id, err)
			return err
		}
		_, _ = h.registry.AdvanceCursor(id, e.Sequence)
	}
	h.observer.RecordBacklog(len(events))

	h.logger.Debug("push subscriber attached",
		zap.String("subscriber", id),
		zap.Int("backlog", len(events)),
		zap.Uint64("cursor", rec.Cursor()),
	)

	return nil
}

// Unsubscribe drains the subscriber and waits for it to close. Unknown ids are a no-op.
func (h *Hub) Unsubscribe(_ context.Context, id string) error {
	h.lifecycle.Drain(id, lifecycle.ReasonUnsubscribed)
	return nil
}

// AppendEvent appends the notification and fans it out before returning. Push
// failures only drain the failing subscribers.
func (h *Hub) AppendEvent(ctx context.Context, n relay.Notification) (relay.Event, error) {
	if h.closed.Load() {
		return relay.Event{}, relay.ErrClosed
	}

	h.appendMu.Lock()
	if err := h.reserve(ctx); err != nil {
		h.appendMu.Unlock()
		return relay.Event{}, err
	}
	e, err := h.log.Append(n)
	if err != nil {
		h.appendMu.Unlock()
		return relay.Event{}, err
	}

	// A producer hanging up must not cut delivery short for subscribers.
	res := h.dispatcher.Dispatch(context.WithoutCancel(ctx), e)
	h.enqueue(archiveOp{event: &e})
	h.appendMu.Unlock()

	h.observer.RecordAppend(e.Type)
	h.observer.RecordFanout(res.Delivered, res.Failed, res.Woken)

	h.logger.Debug("event appended",
		zap.Uint64("sequence", e.Sequence),
		zap.String("type", e.Type),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
		zap.Int("woken", res.Woken),
	)

	return e, nil
}

// reserve makes sure the archive has durably allowed the next sequence before
// it is assigned. Callers hold appendMu.
func (h *Hub) reserve(ctx context.Context) error {
	if h.archive == nil {
		return nil
	}

	tail := h.log.Tail()
	if tail < h.reserved {
		return nil
	}

	upTo := tail + uint64(max(h.cfg.ArchiveSequenceBlock, 1))
	_, err := retry.Do(ctx, h.cfg.ArchiveRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.archive.ReserveSequences(ctx, upTo)
	}, func(err error, wait time.Duration) {
		h.logger.Debug("sequence reservation failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return fmt.Errorf("failed to reserve sequences up to %d: %w", upTo, err)
	}
	h.reserved = upTo

	return nil
}

func (h *Hub) onClose(sub relay.Subscriber, reason string) {
	h.observer.RecordDrain(sub.Transport.String(), reason)
	h.enqueue(archiveOp{subscriber: sub.ID, cursor: sub.Cursor})
}

func (h *Hub) enqueue(op archiveOp) {
	if h.queue == nil {
		return
	}

	select {
	case h.queue <- op:
	default:
		fields := []zap.Field{zap.String("subscriber", op.subscriber)}
		if op.event != nil {
			fields = []zap.Field{zap.Uint64("sequence", op.event.Sequence)}
		}
		h.logger.Warn("archive queue full, dropping write", fields...)
	}
}

// Run drives the background work: idle sweeps, retention and archive writes.
// It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return h.lifecycle.Run(gctx)
	})
	g.Go(func() error {
		return h.retain(gctx)
	})
	if h.queue != nil {
		g.Go(func() error {
			return h.archiveLoop(gctx)
		})
	}

	return g.Wait()
}

// Close rejects new work, drains every subscriber and flushes pending archive writes.
func (h *Hub) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.lifecycle.CloseAll(lifecycle.ReasonShutdown)
	h.flush(ctx)

	h.logger.Info("hub closed", zap.Uint64("tail", h.log.Tail()))
	return nil
}

func (h *Hub) retain(ctx context.Context) error {
	if h.cfg.RetentionInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(h.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Trim()
		}
	}
}

// Trim runs one retention pass and refreshes the log, lag and subscriber gauges.
func (h *Hub) Trim() eventlog.TrimResult {
	minCursor, ok := h.registry.MinCursor()
	if !ok {
		minCursor = h.log.Tail()
	}

	res := h.log.Trim(minCursor)
	if res.Removed > 0 {
		h.observer.RecordTrim(res.Removed, res.Lost)
	}
	h.observer.UpdateLog(h.log.Len(), h.log.Base(), h.log.Tail())
	h.observer.UpdateLag(h.maxLag())

	for kind, states := range h.registry.Counts() {
		for _, state := range []relay.State{relay.StatePending, relay.StateActive, relay.StateDraining} {
			h.observer.UpdateSubscribers(kind.String(), string(state), states[state])
		}
	}

	return res
}

func (h *Hub) archiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-h.queue:
			// A write already taken off the queue finishes even if shutdown starts.
			h.store(context.WithoutCancel(ctx), op)
		}
	}
}

func (h *Hub) flush(ctx context.Context) {
	if h.queue == nil {
		return
	}

	for {
		select {
		case op := <-h.queue:
			h.store(ctx, op)
		default:
			return
		}
	}
}

func (h *Hub) store(ctx context.Context, op archiveOp) {
	_, err := retry.Do(ctx, h.cfg.ArchiveRetry, func(ctx context.Context) (struct{}, error) {
		if op.event != nil {
			return struct{}{}, h.archive.StoreEvent(ctx, *op.event)
		}
		return struct{}{}, h.archive.CommitCursor(ctx, op.subscriber, op.cursor)
	}, func(err error, wait time.Duration) {
		h.logger.Debug("archive write failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err == nil {
		return
	}

	const errMsg = "failed to archive"
	if op.event != nil {
		h.logger.Error(errMsg, zap.Uint64("sequence", op.event.Sequence), zap.Error(err))
		return
	}
	h.logger.Error(errMsg, zap.String("subscriber", op.subscriber), zap.Error(err))
}

// maxLag is the largest number of retained events some open subscriber has
// not received. Subscribers behind the retained range count the whole log.
func (h *Hub) maxLag() int {
	lag := 0
	h.registry.Each(func(rec *registry.Record) bool {
		if rec.State() == relay.StateClosed {
			return true
		}
		n, err := replay.Lag(h.log, rec.Cursor())
		if err != nil {
			n = h.log.Len()
		}
		lag = max(lag, n)
		return true
	})

	return lag
}

// Stats is a point-in-time view of the hub for health endpoints.
type Stats struct {
	Tail        uint64                                      `json:"tail"`
	Base        uint64                                      `json:"base"`
	Retained    int                                         `json:"retained"`
	MaxLag      int                                         `json:"maxLag"`
	Subscribers map[relay.TransportKind]map[relay.State]int `json:"subscribers"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Tail:        h.log.Tail(),
		Base:        h.log.Base(),
		Retained:    h.log.Len(),
		MaxLag:      h.maxLag(),
		Subscribers: h.registry.Counts(),
	}
}

var _ relay.Hub = (*Hub)(nil)
