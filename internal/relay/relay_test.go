package relay

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      any
		want    string
		wantErr bool
	}{
		{name: "nil", in: nil, want: `null`},
		{name: "raw_message", in: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "json_bytes", in: []byte(`[1,2]`), want: `[1,2]`},
		{name: "text_bytes", in: []byte("hello"), want: `"hello"`},
		{name: "string", in: "hello", want: `"hello"`},
		{name: "struct", in: struct {
			Text string `json:"text"`
		}{"hi"}, want: `{"text":"hi"}`},
		{name: "invalid_raw_message", in: json.RawMessage(`{`), wantErr: true},
		{name: "unencodable", in: math.Inf(1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := EncodePayload(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestEncodePayload_CopiesInput(t *testing.T) {
	t.Parallel()

	in := []byte(`{"a":1}`)
	got, err := EncodePayload(in)
	require.NoError(t, err)

	in[5] = '2'
	assert.JSONEq(t, `{"a":1}`, string(got))
}

func TestParseTransportKind(t *testing.T) {
	t.Parallel()

	tests := map[string]TransportKind{
		"poll":        TransportPoll,
		"polling":     TransportPoll,
		"longPolling": TransportLongPoll,
		"long-poll":   TransportLongPoll,
		" SSE ":       TransportSSE,
		"eventsource": TransportSSE,
		"ws":          TransportWebSocket,
		"websocket":   TransportWebSocket,
	}
	for in, want := range tests {
		got, err := ParseTransportKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseTransportKind("smoke-signals")
	assert.ErrorIs(t, err, ErrInvalidTransport)
}

func TestTransportKind_Capabilities(t *testing.T) {
	t.Parallel()

	for _, k := range Transports {
		assert.True(t, k.Valid(), k)
		assert.NotEqual(t, k.PushCapable(), k.PullCapable(), k)
	}
	assert.True(t, TransportSSE.PushCapable())
	assert.True(t, TransportWebSocket.PushCapable())
	assert.True(t, TransportPoll.PullCapable())
	assert.True(t, TransportLongPoll.PullCapable())
	assert.False(t, TransportKind("carrier").Valid())
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]State{
		{StatePending, StateActive},
		{StatePending, StateDraining},
		{StateActive, StateActive},
		{StateActive, StateDraining},
		{StateDraining, StateClosed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]State{
		{StatePending, StateClosed},
		{StateActive, StatePending},
		{StateDraining, StateActive},
		{StateClosed, StateActive},
		{StateClosed, StateDraining},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestValidateType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		typ     string
		wantErr bool
	}{
		{name: "plain", typ: "message"},
		{name: "dotted", typ: "order.created"},
		{name: "spaces", typ: "chat message"},
		{name: "empty", typ: ""},
		{name: "line_feed", typ: "message\nevent: admin", wantErr: true},
		{name: "carriage_return", typ: "message\rid: 99", wantErr: true},
		{name: "crlf_suffix", typ: "message\r\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateType(tt.typ)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEventType)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ErrInvalidResumePoint, ErrOutOfRange)

	err := error(&TransitionError{ID: "s1", From: StateClosed, To: StateActive})
	assert.True(t, IsTransitionError(err))
	assert.True(t, IsTransitionError(errors.Join(errors.New("other"), err)))
	assert.False(t, IsTransitionError(ErrNotFound))
	assert.Contains(t, err.Error(), "no transition from closed to active")
}
