package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relay/internal/relay"
	"relay/internal/relay/metrics"
)

func startTestNATS(t *testing.T) string {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded nats not ready")

	return srv.ClientURL()
}

type fakeHub struct {
	mu   sync.Mutex
	seq  uint64
	got  []relay.Event
	fail string
}

func (h *fakeHub) AppendEvent(_ context.Context, n relay.Notification) (relay.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n.Type == h.fail {
		return relay.Event{}, errors.New("append refused")
	}

	payload, err := relay.EncodePayload(n.Payload)
	if err != nil {
		return relay.Event{}, err
	}

	h.seq++
	e := relay.Event{Sequence: h.seq, Type: n.Type, Payload: payload, CreatedAt: time.Now()}
	h.got = append(h.got, e)
	return e, nil
}

func (h *fakeHub) events() []relay.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]relay.Event(nil), h.got...)
}

func runBridge(t *testing.T, url string, hub Appender, opts ...Option) {
	t.Helper()

	b, err := New(Config{
		URL:           url,
		Subject:       "relay.events.>",
		Queue:         "relay",
		Buffer:        16,
		ReconnectWait: 10 * time.Millisecond,
	}, hub, zap.NewNop(), opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func connect(t *testing.T, url string) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNotification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		subject string
		data    []byte
		typ     string
		payload any
	}{
		{"json_object", "relay.events.message", []byte(`{"text":"hi"}`), "message", json.RawMessage(`{"text":"hi"}`)},
		{"plain_text", "relay.events.system", []byte("restart at noon"), "system", "restart at noon"},
		{"empty", "relay.events.ping", nil, "ping", nil},
		{"no_dots", "alerts", []byte(`42`), "alerts", json.RawMessage(`42`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Notification(tt.subject, tt.data)
			assert.Equal(t, tt.typ, n.Type)
			assert.Equal(t, tt.payload, n.Payload)
		})
	}
}

func TestNew_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Subject: "relay.events.>"}, &fakeHub{}, zap.NewNop())
	assert.Error(t, err)
}

func TestBridge_AppendsInOrder(t *testing.T) {
	t.Parallel()
	url := startTestNATS(t)
	hub := &fakeHub{}
	reg := metrics.NewRegistry()

	runBridge(t, url, hub, WithObserver(reg))
	nc := connect(t, url)

	waitReady(t, nc)

	for _, body := range []string{`{"n":1}`, `{"n":2}`, `not json`} {
		require.NoError(t, nc.Publish("relay.events.message", []byte(body)))
	}
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool { return len(messages(hub.events())) == 3 }, 2*time.Second, 10*time.Millisecond)

	got := messages(hub.events())
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(got[1].Payload))
	assert.JSONEq(t, `"not json"`, string(got[2].Payload))
	assert.Less(t, got[0].Sequence, got[1].Sequence)
	assert.Less(t, got[1].Sequence, got[2].Sequence)

	expected := `
# HELP relay_ingest_messages_total Total number of broker messages appended
# TYPE relay_ingest_messages_total counter
relay_ingest_messages_total{status="success",type="message"} 3
relay_ingest_messages_total{status="success",type="warmup"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "relay_ingest_messages_total"))
}

// waitReady publishes requests until the bridge answers one, so its
// subscription is known to be live. Exactly one warmup event is appended.
func waitReady(t *testing.T, nc *nats.Conn) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, err := nc.Request("relay.events.warmup", []byte(`"warmup"`), 500*time.Millisecond)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func messages(events []relay.Event) []relay.Event {
	var out []relay.Event
	for _, e := range events {
		if e.Type == "message" {
			out = append(out, e)
		}
	}
	return out
}

func TestBridge_RepliesWithEvent(t *testing.T) {
	t.Parallel()
	url := startTestNATS(t)
	hub := &fakeHub{fail: "broken"}

	runBridge(t, url, hub)
	nc := connect(t, url)
	waitReady(t, nc)

	msg, err := nc.Request("relay.events.alert", []byte(`{"level":"high"}`), 2*time.Second)
	require.NoError(t, err)

	var e relay.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, "alert", e.Type)
	assert.JSONEq(t, `{"level":"high"}`, string(e.Payload))
	before := len(hub.events())

	msg, err = nc.Request("relay.events.broken", []byte(`{}`), 2*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"append refused"}`, string(msg.Data))
	assert.Len(t, hub.events(), before)
}

func TestBridge_ConnectFailure(t *testing.T) {
	t.Parallel()

	b, err := New(Config{URL: "nats://127.0.0.1:1", Subject: "relay.events.>"}, &fakeHub{}, zap.NewNop(),
		WithNATSOptions(nats.Timeout(100*time.Millisecond)))
	require.NoError(t, err)

	err = b.Run(context.Background())
	assert.ErrorContains(t, err, "failed to connect to nats")
}
