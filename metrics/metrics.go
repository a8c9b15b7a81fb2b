// Package metrics defines the hooks the store, bus and sync clients report
// through, with a no-op default and a Prometheus implementation.
package metrics

import "time"

// Update outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeValidation  = "validation_error"
	OutcomePersistence = "persistence_error"
	OutcomeError       = "error"
)

// Collector provides hooks for collecting state sync metrics
type Collector interface {
	// RecordUpdate records one store update attempt and how long it held the topic.
	RecordUpdate(topic, outcome string, duration time.Duration)

	// RecordInvalidation records an invalidation event handed to the bus.
	RecordInvalidation(topic string)

	// RecordSubscribers records the current number of bus subscribers.
	RecordSubscribers(n int)

	// RecordFetch records a snapshot fetch issued by a window sync client.
	RecordFetch(window, topic, outcome string)

	// RecordCoalesced records an invalidation absorbed by an in-flight fetch.
	RecordCoalesced(window, topic string)

	// RecordStale records an invalidation discarded as already applied.
	RecordStale(window, topic string)

	// RecordRetry records a failed fetch scheduled for another attempt.
	RecordRetry(window, topic string)
}

// NoOp is a default implementation that does nothing
type NoOp struct{}

var _ Collector = NoOp{}

func (NoOp) RecordUpdate(topic, outcome string, duration time.Duration) {}
func (NoOp) RecordInvalidation(topic string)                            {}
func (NoOp) RecordSubscribers(n int)                                    {}
func (NoOp) RecordFetch(window, topic, outcome string)                  {}
func (NoOp) RecordCoalesced(window, topic string)                       {}
func (NoOp) RecordStale(window, topic string)                           {}
func (NoOp) RecordRetry(window, topic string)                           {}

// OrNoOp returns c, or NoOp when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOp{}
	}
	return c
}
