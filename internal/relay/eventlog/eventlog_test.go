package eventlog

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relay/internal/relay"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func appendN(t *testing.T, l *Log, n int) []relay.Event {
	t.Helper()

	out := make([]relay.Event, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(relay.Notification{Type: "message", Payload: i})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func sequences(events []relay.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.Sequence)
	}
	return out
}

func TestLog_Append(t *testing.T) {
	t.Parallel()

	t.Run("assigns_increasing_sequences", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, zaptest.NewLogger(t))
		events := appendN(t, l, 3)

		assert.Equal(t, []uint64{1, 2, 3}, sequences(events))
		assert.Equal(t, uint64(3), l.Tail())
		assert.Equal(t, 3, l.Len())
	})

	t.Run("created_at_never_goes_backwards", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := New(Config{}, nil, WithClock(clock.Now))

		first, err := l.Append(relay.Notification{Type: "a"})
		require.NoError(t, err)
		clock.Advance(-time.Minute)
		second, err := l.Append(relay.Notification{Type: "b"})
		require.NoError(t, err)

		assert.False(t, second.CreatedAt.Before(first.CreatedAt))
	})

	t.Run("encodes_payload", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		e, err := l.Append(relay.Notification{Type: "order", Payload: map[string]any{"id": "ORD-1"}})
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"ORD-1"}`, string(e.Payload))
	})

	t.Run("rejects_unencodable_payload", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		_, err := l.Append(relay.Notification{Payload: make(chan int)})
		require.Error(t, err)
		assert.Equal(t, uint64(0), l.Tail())
	})

	t.Run("rejects_line_breaks_in_type", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		_, err := l.Append(relay.Notification{
			Type:    "message\ndata: {\"forged\":true}\n\nevent: admin",
			Payload: "real",
		})
		require.ErrorIs(t, err, relay.ErrInvalidEventType)
		assert.Equal(t, uint64(0), l.Tail())
		assert.Zero(t, l.Len())

		e, err := l.Append(relay.Notification{Type: "message"})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), e.Sequence)
	})
}

func TestLog_ReadFrom(t *testing.T) {
	t.Parallel()

	t.Run("returns_events_after_position", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 5)

		snap, err := l.ReadFrom(2)
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4, 5}, sequences(snap.Take(0)))
	})

	t.Run("snapshot_is_restartable", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 3)

		snap, err := l.ReadFrom(0)
		require.NoError(t, err)

		var first, second []uint64
		for e := range snap.All() {
			first = append(first, e.Sequence)
		}
		for e := range snap.All() {
			second = append(second, e.Sequence)
		}
		assert.Equal(t, []uint64{1, 2, 3}, first)
		assert.Equal(t, first, second)
	})

	t.Run("snapshot_ignores_later_appends", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 2)

		snap, err := l.ReadFrom(0)
		require.NoError(t, err)
		appendN(t, l, 2)

		assert.Equal(t, 2, snap.Len())
	})

	t.Run("past_tail_is_empty", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 2)

		snap, err := l.ReadFrom(2)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Len())
	})

	t.Run("trimmed_history_is_out_of_range", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 5)
		l.Trim(3)

		_, err := l.ReadFrom(1)
		require.ErrorIs(t, err, relay.ErrOutOfRange)

		snap, err := l.ReadFrom(3)
		require.NoError(t, err)
		assert.Equal(t, []uint64{4, 5}, sequences(snap.Take(0)))
	})

	t.Run("take_limits_batch", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 5)

		snap, err := l.ReadFrom(0)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, sequences(snap.Take(2)))
	})
}

func TestLog_Trim(t *testing.T) {
	t.Parallel()

	t.Run("keeps_events_behind_cursors", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, zaptest.NewLogger(t))
		appendN(t, l, 10)

		res := l.Trim(4)
		assert.Equal(t, TrimResult{Removed: 4, Lost: 0, Base: 4}, res)
		assert.Equal(t, uint64(4), l.Base())
		assert.Equal(t, 6, l.Len())
	})

	t.Run("keeps_min_events_floor", func(t *testing.T) {
		t.Parallel()

		l := New(Config{MinEvents: 3}, nil)
		appendN(t, l, 10)

		res := l.Trim(10)
		assert.Equal(t, 7, res.Removed)
		assert.Equal(t, 3, l.Len())
	})

	t.Run("max_events_counts_lost", func(t *testing.T) {
		t.Parallel()

		l := New(Config{MaxEvents: 4}, zaptest.NewLogger(t))
		appendN(t, l, 10)

		res := l.Trim(2)
		assert.Equal(t, 6, res.Removed)
		assert.Equal(t, 4, res.Lost)
		assert.Equal(t, uint64(6), res.Base)
	})

	t.Run("max_age_trims_old_events", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock()
		l := New(Config{MaxAge: time.Minute}, nil, WithClock(clock.Now))
		appendN(t, l, 3)
		clock.Advance(2 * time.Minute)
		appendN(t, l, 2)

		res := l.Trim(0)
		assert.Equal(t, 3, res.Removed)
		assert.Equal(t, 3, res.Lost)
		assert.Equal(t, 2, l.Len())
	})

	t.Run("in_flight_snapshot_survives_trim", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 5)

		snap, err := l.ReadFrom(0)
		require.NoError(t, err)
		l.Trim(5)
		appendN(t, l, 3)

		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences(snap.Take(0)))
	})

	t.Run("noop_when_nothing_removable", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		appendN(t, l, 3)

		assert.Equal(t, TrimResult{Base: 0}, l.Trim(0))
	})
}

func TestLog_Covers(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)
	appendN(t, l, 5)
	l.Trim(2)

	assert.NoError(t, l.Covers(2))
	assert.NoError(t, l.Covers(5))
	assert.ErrorIs(t, l.Covers(1), relay.ErrOutOfRange)
	assert.ErrorIs(t, l.Covers(6), relay.ErrOutOfRange)
}

func TestLog_Restore(t *testing.T) {
	t.Parallel()

	t.Run("continues_sequence", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		restored := []relay.Event{
			{Sequence: 41, Type: "a", Payload: json.RawMessage(`1`)},
			{Sequence: 42, Type: "b", Payload: json.RawMessage(`2`)},
		}
		require.NoError(t, l.Restore(42, restored))

		assert.Equal(t, uint64(40), l.Base())
		e, err := l.Append(relay.Notification{Type: "c"})
		require.NoError(t, err)
		assert.Equal(t, uint64(43), e.Sequence)

		snap, err := l.ReadFrom(40)
		require.NoError(t, err)
		assert.Equal(t, []uint64{41, 42, 43}, sequences(snap.Take(0)))
	})

	t.Run("without_events", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		require.NoError(t, l.Restore(7, nil))

		assert.Equal(t, uint64(7), l.Tail())
		assert.Equal(t, uint64(7), l.Base())
		_, err := l.ReadFrom(0)
		assert.ErrorIs(t, err, relay.ErrOutOfRange)
	})

	t.Run("rejects_unordered", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		err := l.Restore(5, []relay.Event{{Sequence: 3}, {Sequence: 2}})
		assert.Error(t, err)
	})

	t.Run("rejects_events_past_last", func(t *testing.T) {
		t.Parallel()

		l := New(Config{}, nil)
		err := l.Restore(1, []relay.Event{{Sequence: 2}})
		assert.Error(t, err)
	})
}

func TestLog_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	l := New(Config{}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := l.Append(relay.Notification{Type: "message"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	snap, err := l.ReadFrom(0)
	require.NoError(t, err)
	require.Equal(t, 800, snap.Len())

	var want uint64 = 1
	for e := range snap.All() {
		assert.Equal(t, want, e.Sequence)
		want++
	}
}
