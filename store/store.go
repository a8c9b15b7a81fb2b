// Package store is the source of truth for every topic: the single writer
// of topic data and revision counters.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-state-sync/bus"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

const (
	opOpen     = "store.Open"
	opUpdate   = "store.Update"
	opSnapshot = "store.Snapshot"
	opClose    = "store.Close"
)

// Snapshot is an immutable {revision, data} pair. Data is the canonical
// encoding of the payload and must not be modified.
type Snapshot struct {
	Topic    topic.Name
	Revision uint64
	Data     []byte
}

// Decode returns the typed payload.
func (s Snapshot) Decode() (topic.Payload, error) {
	d, err := topic.Resolve(s.Topic)
	if err != nil {
		return nil, err
	}
	return d.DecodePayload(s.Data)
}

// committed is the value swapped in atomically on every accepted update,
// so readers always see a pair that existed.
type committed struct {
	snapshot Snapshot
	payload  topic.Payload
}

type topicState struct {
	desc    topic.Descriptor
	writeMu sync.Mutex
	current atomic.Pointer[committed]
}

// Store holds current data and revision per topic. Updates to one topic
// are serialized; different topics proceed independently. Reads never take
// the write lock.
type Store struct {
	topics    map[topic.Name]*topicState
	persister Persister
	publisher bus.Publisher
	logger    *logging.Logger
	metrics   metrics.Collector
	now       func() time.Time
	closed    atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open restores every topic from persister and returns a store that
// publishes invalidations to publisher. Topics without a record start at
// revision 0 with their default payload.
func Open(ctx context.Context, persister Persister, publisher bus.Publisher, opts ...Option) (*Store, error) {
	if persister == nil || publisher == nil {
		return nil, syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component("store"), syncErrors.KindInvalid,
			"persister and publisher are required")
	}

	s := &Store{
		topics:    make(map[topic.Name]*topicState),
		persister: persister,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).WithComponent("store")
	s.metrics = metrics.OrNoOp(s.metrics)

	for _, d := range topic.All() {
		ts := &topicState{desc: d}
		def := d.Default()
		data, err := topic.Encode(def)
		if err != nil {
			return nil, err
		}
		ts.current.Store(&committed{
			snapshot: Snapshot{Topic: d.Name(), Revision: 0, Data: data},
			payload:  def,
		})
		s.topics[d.Name()] = ts
	}

	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) restore(ctx context.Context) error {
	records, err := s.persister.LoadAll(ctx)
	if err != nil {
		return syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component("store"),
			syncErrors.NewPersistenceError(syncErrors.OpRestore, err))
	}

	for _, rec := range records {
		ts, ok := s.topics[rec.Topic]
		if !ok {
			s.logger.Warn("skipping record for unknown topic", slog.String("topic", string(rec.Topic)))
			continue
		}
		payload, err := ts.desc.DecodePayload(rec.Data)
		if err != nil {
			return syncErrors.E(syncErrors.Op(opOpen), syncErrors.Component("store"),
				syncErrors.NewPersistenceError(syncErrors.OpRestore, fmt.Errorf("corrupt %s record: %w", rec.Topic, err)))
		}
		data, err := topic.Encode(payload)
		if err != nil {
			return err
		}
		ts.current.Store(&committed{
			snapshot: Snapshot{Topic: rec.Topic, Revision: rec.Revision, Data: data},
			payload:  payload,
		})
		s.logger.Info("topic restored",
			slog.String("topic", string(rec.Topic)),
			slog.Uint64("revision", rec.Revision),
		)
	}
	return nil
}

func (s *Store) state(op string, name topic.Name) (*topicState, error) {
	ts, ok := s.topics[name]
	if !ok {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Component("store"), syncErrors.KindNotFound,
			fmt.Errorf("unknown topic %q", name))
	}
	return ts, nil
}

// Snapshot returns the topic's current {revision, data}.
func (s *Store) Snapshot(name topic.Name) (Snapshot, error) {
	ts, err := s.state(opSnapshot, name)
	if err != nil {
		return Snapshot{}, err
	}
	return ts.current.Load().snapshot, nil
}

// Update merges patch into the topic, persists the result, advances the
// revision by one and publishes one invalidation, in that order, before
// returning the new revision. A rejected or unpersisted update changes
// nothing and publishes nothing.
func (s *Store) Update(ctx context.Context, name topic.Name, patch topic.Patch, sourceID string) (uint64, error) {
	if s.closed.Load() {
		return 0, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"), syncErrors.KindClosed, "store is closed")
	}
	ts, err := s.state(opUpdate, name)
	if err != nil {
		return 0, err
	}
	patch = topic.NormalizePatch(patch)
	if patch == nil || patch.Topic() != name {
		return 0, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"), syncErrors.KindInvalid,
			fmt.Errorf("patch does not belong to %s", name))
	}

	start := time.Now()
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()

	rev, outcome, err := s.commit(ctx, ts, patch, sourceID)
	s.metrics.RecordUpdate(string(name), outcome, time.Since(start))
	if err != nil {
		s.logger.LogWarnError(ctx, err, "update rejected",
			slog.String("topic", string(name)),
			slog.String("source_id", sourceID),
		)
		return 0, err
	}
	return rev, nil
}

// commit runs with ts.writeMu held.
func (s *Store) commit(ctx context.Context, ts *topicState, patch topic.Patch, sourceID string) (uint64, string, error) {
	name := ts.desc.Name()
	if s.closed.Load() {
		return 0, metrics.OutcomeError, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"), syncErrors.KindClosed, "store is closed")
	}
	if err := ctx.Err(); err != nil {
		return 0, metrics.OutcomeError, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"), err)
	}

	cur := ts.current.Load()
	next, err := ts.desc.Apply(cur.payload, patch)
	if err != nil {
		return 0, metrics.OutcomeValidation, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"), err)
	}
	data, err := topic.Encode(next)
	if err != nil {
		return 0, metrics.OutcomeError, err
	}

	rev := cur.snapshot.Revision + 1
	rec := Record{Topic: name, Revision: rev, Data: data, UpdatedAt: s.now()}
	if err := s.persister.Save(ctx, rec); err != nil {
		return 0, metrics.OutcomePersistence, syncErrors.E(syncErrors.Op(opUpdate), syncErrors.Component("store"),
			syncErrors.NewPersistenceError(syncErrors.OpPersist, err))
	}

	ts.current.Store(&committed{
		snapshot: Snapshot{Topic: name, Revision: rev, Data: data},
		payload:  next,
	})
	s.publisher.Publish(bus.NewEvent(name, rev, sourceID))
	s.metrics.RecordInvalidation(string(name))

	s.logger.Debug("update committed",
		slog.String("topic", string(name)),
		slog.Uint64("revision", rev),
		slog.String("source_id", sourceID),
	)
	return rev, metrics.OutcomeOK, nil
}

// Close rejects further updates, waits for in-flight ones and closes the
// persister.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, ts := range s.topics {
		ts.writeMu.Lock()
		ts.writeMu.Unlock() //nolint:staticcheck // drains in-flight updates
	}
	if err := s.persister.Close(); err != nil {
		return syncErrors.E(syncErrors.Op(opClose), syncErrors.Component("store"),
			syncErrors.NewPersistenceError(syncErrors.OpClose, err))
	}
	return nil
}
