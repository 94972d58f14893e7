// Package archive persists the event stream and subscriber checkpoints so a
// restarted hub neither reuses sequences nor forgets where subscribers stopped.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"relay/internal/couchbase"
	"relay/internal/relay"
	"relay/internal/validator"
)

// Couchbase is the relay.Archive backed by three collections: events keyed by
// sequence, one forward-only cursor per subscriber, and the offsets holding the
// stream's last stored and highest reserved sequence.
type Couchbase struct {
	stores       Stores
	transactions *couchbase.Transactions
	eventTTL     time.Duration
	now          func() time.Time
}

// NewCouchbase builds the archive. eventTTL expires stored events; zero keeps them.
func NewCouchbase(stores Stores, transactions *couchbase.Transactions, eventTTL time.Duration) (*Couchbase, error) {
	c := Couchbase{
		stores:       stores,
		transactions: transactions,
		eventTTL:     eventTTL,
		now:          time.Now,
	}

	if err := validator.Validate(
		"archive",
		c.stores.Events,
		c.stores.Cursors,
		c.stores.Offsets,
		c.transactions,
	); err != nil {
		return nil, fmt.Errorf("failed to validate archive dependencies: %w", err)
	}

	return &c, nil
}

// StoreEvent inserts the event document and moves the stream offset forward.
func (c *Couchbase) StoreEvent(ctx context.Context, e relay.Event) error {
	err := c.stores.Events.Insert(ctx, eventKey(e.Sequence), newEventDoc(e), &gocb.InsertOptions{
		Expiry: c.eventTTL,
	})
	if err != nil && !couchbase.IsExists(err) {
		return fmt.Errorf("failed to store event %d: %w", e.Sequence, err)
	}

	if err := c.commitOffset(streamOffsetKey, e.Sequence); err != nil {
		return fmt.Errorf("failed to store event %d: %w", e.Sequence, err)
	}

	return nil
}

// LoadEvents returns stored events after the given sequence, ascending.
func (c *Couchbase) LoadEvents(ctx context.Context, after uint64, limit int) ([]relay.Event, error) {
	query := fmt.Sprintf(`
		SELECT RAW e
		FROM %s e
		WHERE e.sequence > $after
		ORDER BY e.sequence ASC
		LIMIT $limit`,
		c.stores.Events.Keyspace(),
	)

	docs, err := c.stores.Events.Query(ctx, query, &gocb.QueryOptions{
		NamedParameters: map[string]any{
			"after": after,
			"limit": limit,
		},
		ScanConsistency: gocb.QueryScanConsistencyRequestPlus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events after %d: %w", after, err)
	}

	events := make([]relay.Event, 0, len(docs))
	for _, d := range docs {
		events = append(events, d.event())
	}

	return events, nil
}

// LastSequence returns the stream offset, 0 for a fresh archive.
func (c *Couchbase) LastSequence(ctx context.Context) (uint64, error) {
	return c.offset(ctx, streamOffsetKey)
}

// ReserveSequences moves the reserved offset forward inside a transaction.
func (c *Couchbase) ReserveSequences(_ context.Context, upTo uint64) error {
	if err := c.commitOffset(reservedOffsetKey, upTo); err != nil {
		return fmt.Errorf("failed to reserve sequences: %w", err)
	}

	return nil
}

func (c *Couchbase) ReservedSequence(ctx context.Context) (uint64, error) {
	return c.offset(ctx, reservedOffsetKey)
}

func (c *Couchbase) offset(ctx context.Context, key string) (uint64, error) {
	offset, err := c.stores.Offsets.Get(ctx, key, nil)
	switch {
	case err == nil:
		return offset.N, nil
	case couchbase.IsNotFound(err):
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to get offset %s: %w", key, err)
	}
}

// GetCursor returns the checkpointed cursor or relay.ErrNotFound.
func (c *Couchbase) GetCursor(ctx context.Context, subscriberID string) (uint64, error) {
	cur, err := c.stores.Cursors.Get(ctx, cursorKey(subscriberID), nil)
	switch {
	case err == nil:
		return cur.Cursor, nil
	case couchbase.IsNotFound(err):
		return 0, relay.ErrNotFound
	default:
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
}

// CommitCursor records the cursor inside a transaction, never moving it back.
func (c *Couchbase) CommitCursor(_ context.Context, subscriberID string, cursor uint64) error {
	key := cursorKey(subscriberID)

	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		for {
			res, err := r.Get(c.stores.Cursors, key)
			switch {
			case err == nil:
			case couchbase.IsNotFound(err):
				doc := cursorDoc{
					ID:           key,
					SubscriberID: subscriberID,
					Cursor:       cursor,
					UpdatedAt:    c.now().UTC(),
				}
				_, err := r.Insert(c.stores.Cursors, key, doc)
				switch {
				case err == nil:
					return nil
				case couchbase.IsExists(err):
					// lost the race to insert, read it again
					continue
				default:
					return fmt.Errorf("failed to insert cursor: %w", err)
				}
			default:
				return fmt.Errorf("failed to get cursor: %w", err)
			}

			var doc cursorDoc
			if err := res.Content(&doc); err != nil {
				return fmt.Errorf("failed to decode cursor: %w", err)
			}

			if cursor <= doc.Cursor {
				return nil
			}

			doc.Cursor = cursor
			doc.UpdatedAt = c.now().UTC()
			if _, err := r.Replace(res, doc); err != nil {
				return fmt.Errorf("failed to replace cursor: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to commit cursor for %s: %w", subscriberID, err)
	}

	return nil
}

func (c *Couchbase) commitOffset(key string, seq uint64) error {
	_, err := c.transactions.Transaction(func(r couchbase.TransactionRunner) error {
		for {
			res, err := r.Get(c.stores.Offsets, key)
			switch {
			case err == nil:
			case couchbase.IsNotFound(err):
				_, err := r.Insert(c.stores.Offsets, key, offsetDoc{ID: key, N: seq})
				switch {
				case err == nil:
					return nil
				case couchbase.IsExists(err):
					continue
				default:
					return fmt.Errorf("failed to insert offset: %w", err)
				}
			default:
				return fmt.Errorf("failed to get offset: %w", err)
			}

			var existing offsetDoc
			if err := res.Content(&existing); err != nil {
				return fmt.Errorf("failed to decode offset: %w", err)
			}

			if seq <= existing.N {
				return nil
			}

			existing.N = seq
			if _, err := r.Replace(res, existing); err != nil {
				return fmt.Errorf("failed to replace offset: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to commit offset %s to %d: %w", key, seq, err)
	}

	return nil
}
