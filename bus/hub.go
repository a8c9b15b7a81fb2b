package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
)

// ErrHubClosed ends every stream when the hub shuts down.
var ErrHubClosed = syncErrors.E(syncErrors.Op("bus.Close"), syncErrors.Component("bus"), syncErrors.KindClosed, errors.New("hub closed"))

// Hub is the in-process invalidation bus. Publish appends to an unbounded
// queue per subscriber and never blocks; a pump goroutine per subscriber
// drains it in order. Publishes are serialized, so all subscribers observe
// the same total order.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	logger  *logging.Logger
	metrics metrics.Collector
}

var (
	_ Publisher = (*Hub)(nil)
	_ Source    = (*Hub)(nil)
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *logging.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{subs: make(map[uint64]*Subscription)}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.OrDefault(h.logger).WithComponent("bus")
	h.metrics = metrics.OrNoOp(h.metrics)
	return h
}

// Publish delivers e to every current subscriber. Subscribers that join
// later never see it.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, s := range h.subs {
		s.enqueue(e)
	}
	h.logger.Debug("invalidation published",
		slog.String("topic", string(e.Topic)),
		slog.Uint64("revision", e.Revision),
		slog.String("source_id", e.SourceID),
		slog.Int("subscribers", len(h.subs)),
	)
}

// Subscribe registers a new subscriber. The subscription ends when ctx is
// done, on Unsubscribe, or when the hub closes.
func (h *Hub) Subscribe(ctx context.Context) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.nextID++
	s := newSubscription(h.nextID, h)
	h.subs[s.id] = s
	h.metrics.RecordSubscribers(len(h.subs))
	h.mu.Unlock()

	s.watch(ctx)
	go s.pump()
	return s, nil
}

// Open implements Source.
func (h *Hub) Open(ctx context.Context) (Stream, error) {
	s, err := h.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
	h.metrics.RecordSubscribers(len(h.subs))
}

// Close ends every subscription with ErrHubClosed and drops later publishes.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.end(ErrHubClosed)
	}
	return nil
}
