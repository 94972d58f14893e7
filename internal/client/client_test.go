package client

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/hub"
	"relay/internal/relay/lifecycle"
	"relay/internal/relay/retry"
	"relay/internal/transport/httpapi"
)

func newRelay(t *testing.T, wrap func(http.Handler) http.Handler) (*hub.Hub, *httptest.Server) {
	t.Helper()

	logger := zap.NewNop()
	h, err := hub.New(hub.Config{
		Lifecycle: lifecycle.Config{
			LongPollMaxWait: 2 * time.Second,
			SendTimeout:     time.Second,
		},
		PullBatchLimit: 500,
		ArchiveRetry:   retry.Policy{MaxAttempts: 1},
	}, logger)
	require.NoError(t, err)

	srv, err := httpapi.NewServer(httpapi.Config{
		WriteTimeout:    2 * time.Second,
		ShutdownTimeout: time.Second,
		MaxBodyBytes:    1 << 20,
	}, h, logger)
	require.NoError(t, err)

	handler := srv.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	return h, ts
}

func newClient(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()

	c, err := New(Config{
		BaseURL: ts.URL,
		Timeout: 5 * time.Second,
		Retry:   retry.Policy{MaxAttempts: 4, BaseDelay: 5 * time.Millisecond, Multiplier: 2, Cap: 50 * time.Millisecond},
	}, zap.NewNop(), WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	return c
}

func ptr[T any](v T) *T {
	return &v
}

type collector struct {
	mu   sync.Mutex
	seqs []uint64
}

func (c *collector) add(e relay.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, e.Sequence)
	return len(c.seqs)
}

func (c *collector) get() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.seqs...)
}

// consumeUntil runs fn in the background until want events were handled.
func consumeUntil(t *testing.T, want int, fn func(ctx context.Context, handle Handler) error) *collector {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := &collector{}
	err := fn(ctx, func(_ context.Context, e relay.Event) error {
		if got.add(e) == want {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got.get(), want, "consumer stopped before receiving every event")

	return got
}

func TestClient_RoundTrip(t *testing.T) {
	t.Parallel()
	_, ts := newRelay(t, nil)
	c := newClient(t, ts)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, relay.TransportPoll, ptr(uint64(0)))
	require.NoError(t, err)
	assert.Equal(t, relay.TransportPoll, sub.Transport)

	e, err := c.Publish(ctx, "message", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)

	batch, err := c.Pull(ctx, sub.ID, relay.PullOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.JSONEq(t, `{"n":1}`, string(batch.Events[0].Payload))
	assert.Equal(t, uint64(1), batch.NextCursor)

	got, err := c.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Cursor)

	require.NoError(t, c.Unsubscribe(ctx, sub.ID))
	_, err = c.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func TestClient_LongPollTimeout(t *testing.T) {
	t.Parallel()
	_, ts := newRelay(t, nil)
	c := newClient(t, ts)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, relay.TransportLongPoll, nil)
	require.NoError(t, err)

	batch, err := c.Pull(ctx, sub.ID, relay.PullOptions{MaxWait: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, batch.TimedOut)
	assert.Empty(t, batch.Events)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	_, ts := newRelay(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			next.ServeHTTP(w, r)
		})
	})
	c := newClient(t, ts)
	ctx := context.Background()

	_, err := c.Subscribe(ctx, relay.TransportPoll, ptr(uint64(42)))
	assert.ErrorIs(t, err, relay.ErrOutOfRange)
	assert.Equal(t, int32(1), requests.Load(), "client errors must not be retried")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.Status)
	assert.False(t, apiErr.Temporary())

	_, err = c.Pull(ctx, "missing", relay.PullOptions{})
	assert.ErrorIs(t, err, relay.ErrNotFound)

	err = c.Consume(ctx, relay.TransportSSE, nil, relay.PullOptions{}, nil)
	assert.ErrorIs(t, err, relay.ErrNotPullCapable)
}

func TestClient_RetriesTemporaryFailures(t *testing.T) {
	t.Parallel()

	var failures atomic.Int32
	failures.Store(2)
	_, ts := newRelay(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && failures.Add(-1) >= 0 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"success":false,"error":"warming up"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	c := newClient(t, ts)

	sub, err := c.Subscribe(context.Background(), relay.TransportPoll, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
}

func TestClient_Consume(t *testing.T) {
	t.Parallel()

	for _, kind := range []relay.TransportKind{relay.TransportPoll, relay.TransportLongPoll} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()
			_, ts := newRelay(t, nil)
			c := newClient(t, ts)

			for i := range 3 {
				_, err := c.Publish(context.Background(), "message", i)
				require.NoError(t, err)
			}
			go func() {
				time.Sleep(50 * time.Millisecond)
				for i := range 2 {
					_, _ = c.Publish(context.Background(), "message", i)
				}
			}()

			got := consumeUntil(t, 5, func(ctx context.Context, handle Handler) error {
				return c.Consume(ctx, kind, ptr(uint64(0)), relay.PullOptions{MaxWait: time.Second}, handle)
			})
			assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got.get())
		})
	}
}

func TestClient_ConsumeResubscribesAfterExpiry(t *testing.T) {
	t.Parallel()

	var pulls, subscribes atomic.Int32
	_, ts := newRelay(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/v1/subscriptions":
				subscribes.Add(1)
			case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/events") && pulls.Add(1) == 2:
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"success":false,"error":"subscriber not found"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	c := newClient(t, ts)

	for i := range 4 {
		_, err := c.Publish(context.Background(), "message", i)
		require.NoError(t, err)
	}

	got := consumeUntil(t, 4, func(ctx context.Context, handle Handler) error {
		return c.Consume(ctx, relay.TransportPoll, ptr(uint64(0)), relay.PullOptions{Limit: 2}, handle)
	})
	assert.Equal(t, []uint64{1, 2, 3, 4}, got.get())
	assert.Equal(t, int32(2), subscribes.Load())
}

func TestClient_ConsumeHandlerError(t *testing.T) {
	t.Parallel()
	_, ts := newRelay(t, nil)
	c := newClient(t, ts)

	_, err := c.Publish(context.Background(), "message", "boom")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	failure := errors.New("cannot handle")
	err = c.Consume(ctx, relay.TransportPoll, ptr(uint64(0)), relay.PullOptions{}, func(context.Context, relay.Event) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)
}

func TestClient_Streams(t *testing.T) {
	t.Parallel()

	streams := map[string]func(c *Client) func(ctx context.Context, resumeFrom *uint64, handle Handler) error{
		"sse":       func(c *Client) func(context.Context, *uint64, Handler) error { return c.StreamSSE },
		"websocket": func(c *Client) func(context.Context, *uint64, Handler) error { return c.StreamWebSocket },
	}

	for name, stream := range streams {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, ts := newRelay(t, nil)
			c := newClient(t, ts)

			for i := range 2 {
				_, err := c.Publish(context.Background(), "message", i)
				require.NoError(t, err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				_, _ = c.Publish(context.Background(), "message", "live")
			}()

			got := consumeUntil(t, 3, func(ctx context.Context, handle Handler) error {
				return stream(c)(ctx, ptr(uint64(0)), handle)
			})
			assert.Equal(t, []uint64{1, 2, 3}, got.get())
		})
	}
}

func TestReadSSEFrame(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader(": keepalive\n\nid: 7\nevent: message\ndata: {\"a\":1}\n\nevent: heartbeat\r\ndata: {}\r\n\r\n"))

	f, err := readSSEFrame(r)
	require.NoError(t, err)
	assert.Equal(t, sseFrame{id: "7", event: "message", data: `{"a":1}`}, f)

	f, err = readSSEFrame(r)
	require.NoError(t, err)
	assert.Equal(t, sseFrame{event: "heartbeat", data: "{}"}, f)

	_, err = readSSEFrame(r)
	assert.Error(t, err)
}

func TestPosition_SkipsDuplicates(t *testing.T) {
	t.Parallel()

	pos := position{cursor: 2, known: true}
	got := &collector{}
	handle := func(_ context.Context, e relay.Event) error {
		got.add(e)
		return nil
	}

	for _, seq := range []uint64{1, 2, 3, 3, 4} {
		require.NoError(t, pos.deliver(context.Background(), handle, relay.Event{Sequence: seq}))
	}
	assert.Equal(t, []uint64{3, 4}, got.get())
	assert.Equal(t, uint64(4), *pos.resume())
}
