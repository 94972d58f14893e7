package relay

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind identifies how a subscriber receives events.
type TransportKind string

const (
	TransportPoll      TransportKind = "poll"
	TransportLongPoll  TransportKind = "long-poll"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// Transports lists every supported transport kind.
var Transports = []TransportKind{TransportPoll, TransportLongPoll, TransportSSE, TransportWebSocket}

// PushCapable reports whether the server initiates delivery for this transport.
func (k TransportKind) PushCapable() bool {
	return k == TransportSSE || k == TransportWebSocket
}

// PullCapable reports whether the client initiates each delivery attempt.
func (k TransportKind) PullCapable() bool {
	return k == TransportPoll || k == TransportLongPoll
}

func (k TransportKind) Valid() bool {
	return k.PushCapable() || k.PullCapable()
}

func (k TransportKind) String() string {
	return string(k)
}

// ParseTransportKind accepts the canonical names plus the connection type
// names used by browser clients ("polling", "longPolling").
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poll", "polling":
		return TransportPoll, nil
	case "long-poll", "longpoll", "longpolling", "long-polling", "long_poll":
		return TransportLongPoll, nil
	case "sse", "eventsource":
		return TransportSSE, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransport, s)
	}
}

// Subscriber is a point-in-time copy of a registered subscription.
type Subscriber struct {
	ID        string        `json:"id"`
	Transport TransportKind `json:"transport"`
	// Cursor is the last sequence successfully delivered, 0 if none.
	Cursor    uint64    `json:"cursor"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}
