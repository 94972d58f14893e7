package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relay/internal/relay"
	"relay/internal/relay/registry"
)

type fixedHistory uint64

func (h fixedHistory) Tail() uint64 { return uint64(h) }

func (h fixedHistory) Covers(seq uint64) error {
	if seq > uint64(h) {
		return relay.ErrOutOfRange
	}
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed map[string][]uint64
	broken map[string]bool
	failed []string
	woken  []string
	reg    *registry.Registry
}

func (p *fakePusher) Push(_ context.Context, id string, e relay.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken[id] {
		return relay.ErrTransportSend
	}
	p.pushed[id] = append(p.pushed[id], e.Sequence)
	return nil
}

func (p *fakePusher) Fail(id string, _ error) {
	p.mu.Lock()
	p.failed = append(p.failed, id)
	p.mu.Unlock()

	_, _ = p.reg.Transition(id, relay.StateDraining)
}

func (p *fakePusher) Wake(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.woken = append(p.woken, id)
	return true
}

func setup(t *testing.T) (*Dispatcher, *registry.Registry, *fakePusher) {
	t.Helper()

	reg, err := registry.New(fixedHistory(10))
	require.NoError(t, err)

	p := &fakePusher{pushed: map[string][]uint64{}, broken: map[string]bool{}, reg: reg}
	d, err := New(Config{Concurrency: 4}, reg, p, zaptest.NewLogger(t))
	require.NoError(t, err)

	return d, reg, p
}

func active(t *testing.T, reg *registry.Registry, kind relay.TransportKind, from uint64) string {
	t.Helper()

	sub, err := reg.Register(kind, &from)
	require.NoError(t, err)
	_, err = reg.Transition(sub.ID, relay.StateActive)
	require.NoError(t, err)
	return sub.ID
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	t.Run("pushes_and_advances", func(t *testing.T) {
		t.Parallel()

		d, reg, p := setup(t)
		sse := active(t, reg, relay.TransportSSE, 10)
		ws := active(t, reg, relay.TransportWebSocket, 10)

		res := d.Dispatch(context.Background(), relay.Event{Sequence: 11})
		assert.Equal(t, Result{Delivered: 2}, res)

		for _, id := range []string{sse, ws} {
			assert.Equal(t, []uint64{11}, p.pushed[id])
			sub, _ := reg.Get(id)
			assert.Equal(t, uint64(11), sub.Cursor)
		}
	})

	t.Run("isolates_failures", func(t *testing.T) {
		t.Parallel()

		d, reg, p := setup(t)
		good := active(t, reg, relay.TransportSSE, 10)
		bad := active(t, reg, relay.TransportWebSocket, 10)
		p.broken[bad] = true

		res := d.Dispatch(context.Background(), relay.Event{Sequence: 11})
		assert.Equal(t, Result{Delivered: 1, Failed: 1}, res)
		assert.Equal(t, []string{bad}, p.failed)

		res = d.Dispatch(context.Background(), relay.Event{Sequence: 12})
		assert.Equal(t, Result{Delivered: 1}, res)
		assert.Equal(t, []uint64{11, 12}, p.pushed[good])

		sub, _ := reg.Get(bad)
		assert.Equal(t, uint64(10), sub.Cursor)
		assert.Equal(t, relay.StateDraining, sub.State)
	})

	t.Run("wakes_long_poll_only", func(t *testing.T) {
		t.Parallel()

		d, reg, p := setup(t)
		lp := active(t, reg, relay.TransportLongPoll, 10)
		poll := active(t, reg, relay.TransportPoll, 10)

		res := d.Dispatch(context.Background(), relay.Event{Sequence: 11})
		assert.Equal(t, Result{Woken: 1}, res)
		assert.Equal(t, []string{lp}, p.woken)
		assert.Empty(t, p.pushed[poll])

		sub, _ := reg.Get(lp)
		assert.Equal(t, uint64(10), sub.Cursor)
	})

	t.Run("skips_pending_and_delivered", func(t *testing.T) {
		t.Parallel()

		d, reg, p := setup(t)
		from := uint64(10)
		pending, err := reg.Register(relay.TransportSSE, &from)
		require.NoError(t, err)
		ahead := active(t, reg, relay.TransportSSE, 10)
		_, err = reg.AdvanceCursor(ahead, 11)
		require.NoError(t, err)

		res := d.Dispatch(context.Background(), relay.Event{Sequence: 11})
		assert.Equal(t, Result{}, res)
		assert.Empty(t, p.pushed[pending.ID])
		assert.Empty(t, p.pushed[ahead])
	})

	t.Run("many_subscribers", func(t *testing.T) {
		t.Parallel()

		d, reg, p := setup(t)
		for range 50 {
			active(t, reg, relay.TransportSSE, 10)
		}

		res := d.Dispatch(context.Background(), relay.Event{Sequence: 11})
		assert.Equal(t, 50, res.Delivered)
		assert.Len(t, p.pushed, 50)
	})
}
