package generator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/relay"
)

type fakeHub struct {
	mu     sync.Mutex
	got    []relay.Notification
	closed bool
}

func (h *fakeHub) AppendEvent(_ context.Context, n relay.Notification) (relay.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return relay.Event{}, relay.ErrClosed
	}
	h.got = append(h.got, n)
	return relay.Event{Sequence: uint64(len(h.got)), Type: n.Type}, nil
}

func (h *fakeHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.got)
}

func (h *fakeHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func run(t *testing.T, cfg Config, hub Appender) *Generator {
	t.Helper()

	g, err := New(cfg, hub, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return g
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Interval: time.Second}, nil, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config{}, &fakeHub{}, zap.NewNop())
	assert.Error(t, err)

	g, err := New(Config{Interval: time.Second, Enabled: true}, &fakeHub{}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, g.Running())
}

func TestGenerator_StartStop(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{}
	g := run(t, Config{Interval: 5 * time.Millisecond}, hub)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, hub.count(), "stopped generator must not emit")

	assert.True(t, g.Start())
	assert.False(t, g.Start())
	require.Eventually(t, func() bool { return hub.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, g.Stop())
	assert.False(t, g.Stop())
	// A tick already in flight may still land.
	time.Sleep(20 * time.Millisecond)
	settled := hub.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, hub.count())
	assert.Equal(t, uint64(settled), g.Emitted())
}

func TestGenerator_StopsWhenHubCloses(t *testing.T) {
	t.Parallel()

	hub := &fakeHub{}
	hub.close()
	g := run(t, Config{Interval: 5 * time.Millisecond, Enabled: true}, hub)

	require.Eventually(t, func() bool { return !g.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, g.Emitted())
}

func TestGenerator_Notifications(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Interval: time.Second}, &fakeHub{}, zap.NewNop())
	require.NoError(t, err)

	var types []string
	for i := range uint64(6) {
		n := g.notification(i)
		types = append(types, n.Type)

		require.NoError(t, relay.ValidateType(n.Type))
		payload, err := relay.EncodePayload(n.Payload)
		require.NoError(t, err)
		assert.Contains(t, string(payload), "timestamp")
	}
	assert.Equal(t, []string{"message", "order", "system", "message", "order", "system"}, types)
}

func TestGenerator_Jitter(t *testing.T) {
	t.Parallel()

	g, err := New(Config{Interval: time.Second, Jitter: 500 * time.Millisecond}, &fakeHub{}, zap.NewNop())
	require.NoError(t, err)

	for range 20 {
		d := g.next()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1500*time.Millisecond)
	}
}
