package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Notification is what producers hand to the hub. The hub turns it into an
// Event by assigning a sequence and a creation time.
type Notification struct {
	// Type labels the kind of notification (e.g. "message", "system").
	Type string `json:"type"`
	// Payload is any JSON-serializable value. json.RawMessage and []byte holding
	// valid JSON are stored as-is, other byte slices are stored as a JSON string.
	Payload any `json:"payload"`
}

// Event is an immutable, sequence-numbered notification stored in the event log.
type Event struct {
	// Sequence is strictly increasing and defines the total order of the log.
	Sequence uint64 `json:"sequence"`
	// Type is copied from the originating notification.
	Type string `json:"type"`
	// Payload is the JSON encoding of the notification payload. Callers must not modify it.
	Payload json.RawMessage `json:"payload"`
	// CreatedAt never goes backwards as Sequence grows.
	CreatedAt time.Time `json:"createdAt"`
}

// ValidateType rejects event types that cannot travel as a single line on
// line-oriented transports such as SSE.
func ValidateType(t string) error {
	if strings.ContainsAny(t, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidEventType, t)
	}
	return nil
}

// EncodePayload converts a notification payload into the bytes stored on an Event.
// The returned slice is never shared with the caller's value.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return rawCopy(p)
	case []byte:
		if json.Valid(p) {
			return rawCopy(p)
		}
		return marshal(string(p))
	default:
		return marshal(v)
	}
}

func rawCopy(b []byte) (json.RawMessage, error) {
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out, nil
}

func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return b, nil
}
