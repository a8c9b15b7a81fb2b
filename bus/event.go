// Package bus is the invalidation bus: a broadcast from the source-of-truth
// store to every connected window, FIFO per subscriber.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

// EventName is the channel name used on every external surface (SSE event
// type, NATS subject default).
const EventName = "state-sync-invalidate"

// SourceBackend marks changes that did not originate from a window.
const SourceBackend = "backend"

// Event announces that a topic's revision advanced. It carries no data;
// receivers re-fetch the snapshot.
type Event struct {
	Topic       topic.Name
	Revision    uint64
	SourceID    string
	TimestampMs int64
}

// NewEvent stamps an event with the current time.
func NewEvent(name topic.Name, revision uint64, sourceID string) Event {
	if sourceID == "" {
		sourceID = SourceBackend
	}
	return Event{Topic: name, Revision: revision, SourceID: sourceID, TimestampMs: time.Now().UnixMilli()}
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d from %s", e.Topic, e.Revision, e.SourceID)
}

// wireEvent is the JSON form. The revision travels as a decimal string so
// it survives JavaScript number precision.
type wireEvent struct {
	Topic       string `json:"topic"`
	Revision    string `json:"revision"`
	SourceID    string `json:"sourceId"`
	TimestampMs int64  `json:"timestampMs"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		Topic:       string(e.Topic),
		Revision:    strconv.FormatUint(e.Revision, 10),
		SourceID:    e.SourceID,
		TimestampMs: e.TimestampMs,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	rev, err := strconv.ParseUint(w.Revision, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid revision %q: %w", w.Revision, err)
	}
	*e = Event{Topic: topic.Name(w.Topic), Revision: rev, SourceID: w.SourceID, TimestampMs: w.TimestampMs}
	return nil
}

// DecodeEvent parses a wire event, rejecting unknown topics.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, syncErrors.E(syncErrors.Op("bus.DecodeEvent"), syncErrors.Component("bus"), syncErrors.KindInvalid, err)
	}
	if _, ok := topic.Lookup(e.Topic); !ok {
		return Event{}, syncErrors.E(syncErrors.Op("bus.DecodeEvent"), syncErrors.Component("bus"), syncErrors.KindInvalid,
			fmt.Errorf("unknown topic %q", e.Topic))
	}
	return e, nil
}

// Publisher accepts invalidation events. Publish must not block on
// subscribers.
type Publisher interface {
	Publish(e Event)
}

// Stream is one subscriber's view of the bus.
type Stream interface {
	// Events delivers events in publish order. It is closed when the
	// stream ends.
	Events() <-chan Event
	// Done is closed when the stream ends, for whatever reason.
	Done() <-chan struct{}
	// Err reports why the stream ended: nil after Unsubscribe, otherwise
	// the closing or transport error.
	Err() error
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Source opens streams. The stream ends when ctx is done.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}
