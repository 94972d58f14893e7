package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/couchbase/gocb/v2"

	"relay/internal/couchbase"
	"relay/internal/relay"
)

const (
	eventsCollection  = "events"
	cursorsCollection = "cursors"
	offsetsCollection = "offsets"

	streamOffsetKey   = "offset::stream"
	reservedOffsetKey = "offset::reserved"
)

type eventDoc struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`

	couchbase.Cas `json:"-"`
}

func newEventDoc(e relay.Event) eventDoc {
	return eventDoc{
		ID:        eventKey(e.Sequence),
		Sequence:  e.Sequence,
		Type:      e.Type,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}

func (d eventDoc) event() relay.Event {
	return relay.Event{
		Sequence:  d.Sequence,
		Type:      d.Type,
		Payload:   d.Payload,
		CreatedAt: d.CreatedAt,
	}
}

type cursorDoc struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriberId"`
	Cursor       uint64    `json:"cursor"`
	UpdatedAt    time.Time `json:"updatedAt"`

	couchbase.Cas `json:"-"`
}

type offsetDoc struct {
	ID string `json:"id"`
	N  uint64 `json:"n"`

	couchbase.Cas `json:"-"`
}

// Zero padded so keys sort by sequence.
func eventKey(seq uint64) string {
	return fmt.Sprintf("event::%020d", seq)
}

func cursorKey(subscriberID string) string {
	return "cursor::" + subscriberID
}

// Stores are the collections the Couchbase archive needs.
type Stores struct {
	Events  *couchbase.Couchbase[eventDoc]
	Cursors *couchbase.Couchbase[cursorDoc]
	Offsets *couchbase.Couchbase[offsetDoc]
}

// NewStores opens the events, cursors and offsets collections of scope.
func NewStores(cluster *gocb.Cluster, bucket *gocb.Bucket, scope string) (Stores, error) {
	s := bucket.Scope(scope)

	events, err := couchbase.NewCouchbase[eventDoc](cluster, bucket, s.Collection(eventsCollection))
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create events store: %w", err)
	}
	cursors, err := couchbase.NewCouchbase[cursorDoc](cluster, bucket, s.Collection(cursorsCollection))
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create cursors store: %w", err)
	}
	offsets, err := couchbase.NewCouchbase[offsetDoc](cluster, bucket, s.Collection(offsetsCollection))
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create offsets store: %w", err)
	}

	return Stores{Events: events, Cursors: cursors, Offsets: offsets}, nil
}
