package archive

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
	"relay/internal/relay/tracing"
)

func event(seq uint64) relay.Event {
	return relay.Event{
		Sequence:  seq,
		Type:      "message",
		Payload:   json.RawMessage(`{"n":1}`),
		CreatedAt: time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func archives() map[string]relay.Archive {
	return map[string]relay.Archive{
		"memory": NewMemory(),
		"decorated": NewTracedArchive(
			NewMetricsArchive(NewMemory(), metrics.NewRegistry()),
			tracing.NewNoopTracer(),
			"memory",
		),
	}
}

func TestArchive_Events(t *testing.T) {
	t.Parallel()

	for name, a := range archives() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			last, err := a.LastSequence(ctx)
			require.NoError(t, err)
			assert.Zero(t, last)

			for _, seq := range []uint64{3, 1, 2, 2} {
				require.NoError(t, a.StoreEvent(ctx, event(seq)))
			}

			last, err = a.LastSequence(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), last)

			got, err := a.LoadEvents(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, got, 3)
			for i, e := range got {
				assert.Equal(t, uint64(i+1), e.Sequence)
			}

			got, err = a.LoadEvents(ctx, 1, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, uint64(2), got[0].Sequence)

			got, err = a.LoadEvents(ctx, 3, 10)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestArchive_Cursors(t *testing.T) {
	t.Parallel()

	for name, a := range archives() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			_, err := a.GetCursor(ctx, "sub")
			assert.ErrorIs(t, err, relay.ErrNotFound)

			require.NoError(t, a.CommitCursor(ctx, "sub", 5))
			require.NoError(t, a.CommitCursor(ctx, "sub", 3))

			cur, err := a.GetCursor(ctx, "sub")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), cur)

			require.NoError(t, a.CommitCursor(ctx, "sub", 9))
			cur, err = a.GetCursor(ctx, "sub")
			require.NoError(t, err)
			assert.Equal(t, uint64(9), cur)
		})
	}
}

func TestMemory_LoadEventsIsolated(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.StoreEvent(ctx, event(1)))

	got, err := m.LoadEvents(ctx, 0, 0)
	require.NoError(t, err)
	got[0].Type = "mutated"

	again, err := m.LoadEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "message", again[0].Type)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "event::00000000000000000042", eventKey(42))
	assert.Less(t, eventKey(9), eventKey(10))
	assert.Equal(t, "cursor::abc", cursorKey("abc"))
	assert.NotEqual(t, streamOffsetKey, reservedOffsetKey)

	doc := newEventDoc(event(7))
	assert.Equal(t, event(7), doc.event())
}

func TestArchive_Reservation(t *testing.T) {
	t.Parallel()

	for name, a := range archives() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			reserved, err := a.ReservedSequence(ctx)
			require.NoError(t, err)
			assert.Zero(t, reserved)

			require.NoError(t, a.ReserveSequences(ctx, 64))
			require.NoError(t, a.ReserveSequences(ctx, 32))

			reserved, err = a.ReservedSequence(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(64), reserved)

			last, err := a.LastSequence(ctx)
			require.NoError(t, err)
			assert.Zero(t, last, "reserving does not count as storing")
		})
	}
}
