// Package client is the per-window sync client. It keeps a read-only cache
// of every subscribed topic, listens for invalidations and re-fetches the
// full snapshot whenever a newer revision is announced.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-state-sync/bus"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

const (
	opStart   = "client.Start"
	opState   = "client.State"
	opWaitFor = "client.WaitFor"

	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithID sets the window id. Defaults to a random UUID.
func WithID(id string) Option {
	return func(c *Client) { c.id = id }
}

// WithLabel sets the window label used in logs and metrics.
func WithLabel(l Label) Option {
	return func(c *Client) { c.label = l }
}

// WithTopics restricts the client to the given topics. Defaults to every
// registered topic.
func WithTopics(names ...topic.Name) Option {
	return func(c *Client) { c.topics = append([]topic.Name(nil), names...) }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithBackoff sets the retry delays for failed fetches and dropped
// subscriptions.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.backoffInitial = initial
		c.backoffMax = maxDelay
	}
}

// OnChange registers fn to run on the client loop after every applied
// snapshot whose revision differs from the cached one. fn must not block
// and must not call Close.
func OnChange(fn func(Change)) Option {
	return func(c *Client) { c.onChange = fn }
}

// entry is one topic's cache plus the loop-owned reconciliation state.
// The cache fields are guarded by Client.mu; the rest is only touched by
// the loop goroutine.
type entry struct {
	name topic.Name

	status   Status
	revision uint64
	hasRev   bool
	data     []byte
	payload  topic.Payload

	inFlight     bool
	waitingRetry bool
	forced       bool
	pendingRev   uint64
	backoff      *backoff.ExponentialBackOff
	retryTimer   *time.Timer
}

func (e *entry) view() TopicState {
	return TopicState{
		Status:      e.status,
		Revision:    e.revision,
		HasRevision: e.hasRev,
		Data:        e.data,
		Payload:     e.payload,
	}
}

// Client mirrors the store for one window.
type Client struct {
	id             string
	label          Label
	topics         []topic.Name
	gw             gateway.Client
	source         bus.Source
	logger         *logging.Logger
	metrics        metrics.Collector
	backoffInitial time.Duration
	backoffMax     time.Duration
	onChange       func(Change)

	mu      sync.RWMutex
	entries map[topic.Name]*entry
	changed chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	results chan fetchResult
	retries chan topic.Name
	opened  chan openResult
}

// New builds a client that fetches through gw and listens on source. It
// does nothing until Start.
func New(gw gateway.Client, source bus.Source, opts ...Option) (*Client, error) {
	if gw == nil || source == nil {
		return nil, syncErrors.E(syncErrors.Op("client.New"), syncErrors.Component("client"), syncErrors.KindInvalid,
			"gateway client and event source are required")
	}

	c := &Client{
		label:          LabelUnknown,
		gw:             gw,
		source:         source,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		changed:        make(chan struct{}),
		done:           make(chan struct{}),
		results:        make(chan fetchResult),
		retries:        make(chan topic.Name),
		opened:         make(chan openResult),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.id == "" {
		c.id = uuid.NewString()
	}
	if len(c.topics) == 0 {
		c.topics = topic.Names()
	}
	if c.backoffInitial <= 0 || c.backoffMax < c.backoffInitial {
		return nil, syncErrors.E(syncErrors.Op("client.New"), syncErrors.Component("client"), syncErrors.KindInvalid,
			fmt.Sprintf("invalid backoff %s..%s", c.backoffInitial, c.backoffMax))
	}

	c.entries = make(map[topic.Name]*entry, len(c.topics))
	for _, name := range c.topics {
		if _, err := topic.Resolve(name); err != nil {
			return nil, err
		}
		c.entries[name] = &entry{name: name, backoff: c.newBackoff()}
	}

	c.metrics = metrics.OrNoOp(c.metrics)
	c.logger = logging.OrDefault(c.logger).WithComponent("client").WithAttrs(
		slog.String("window_id", c.id),
		slog.String("window_label", string(c.label)),
	)
	return c, nil
}

func (c *Client) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backoffInitial
	b.MaxInterval = c.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ID returns the window id.
func (c *Client) ID() string { return c.id }

// Label returns the window label.
func (c *Client) Label() Label { return c.label }

// Topics returns the subscribed topics.
func (c *Client) Topics() []topic.Name {
	return append([]topic.Name(nil), c.topics...)
}

// Start subscribes to the bus and then fetches a snapshot of every topic.
// It returns once the loop is running; use WaitReady to wait for the first
// snapshots. A failed subscription is retried in the background.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return syncErrors.E(syncErrors.Op(opStart), syncErrors.Component("client"), syncErrors.KindClosed, "client closed")
	}
	if c.started {
		c.lifeMu.Unlock()
		return syncErrors.E(syncErrors.Op(opStart), syncErrors.Component("client"), syncErrors.KindInvalid, "client already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.lifeMu.Unlock()

	stream, err := c.source.Open(ctx)
	if err != nil {
		c.logger.LogWarnError(ctx, err, "subscribe failed, retrying in background")
		stream = nil
	}

	go c.run(ctx, stream)
	return nil
}

// Close stops the client: pending fetches are cancelled and the bus
// subscription is released. Safe to call more than once.
func (c *Client) Close() error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	started, cancel := c.started, c.cancel
	c.lifeMu.Unlock()

	if !started {
		close(c.done)
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// State returns a copy of name's cache.
func (c *Client) State(name topic.Name) (TopicState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[name]
	if !ok {
		return TopicState{}, syncErrors.E(syncErrors.Op(opState), syncErrors.Component("client"), syncErrors.KindNotFound,
			fmt.Sprintf("window is not subscribed to %s", name))
	}
	return e.view(), nil
}

// Value returns the cached payload of P's topic, or false before the
// first snapshot. P must be a concrete payload type.
func Value[P topic.Payload](c *Client) (P, bool) {
	var zero P
	st, err := c.State(zero.Topic())
	if err != nil || !st.HasRevision {
		return zero, false
	}
	p, ok := st.Payload.(P)
	return p, ok
}

// WaitFor blocks until cond holds for name's state, ctx is done or the
// client stops.
func (c *Client) WaitFor(ctx context.Context, name topic.Name, cond func(TopicState) bool) (TopicState, error) {
	for {
		c.mu.RLock()
		e, ok := c.entries[name]
		if !ok {
			c.mu.RUnlock()
			return TopicState{}, syncErrors.E(syncErrors.Op(opWaitFor), syncErrors.Component("client"), syncErrors.KindNotFound,
				fmt.Sprintf("window is not subscribed to %s", name))
		}
		st := e.view()
		changed := c.changed
		c.mu.RUnlock()

		if cond(st) {
			return st, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return st, ctx.Err()
		case <-c.done:
			return st, syncErrors.E(syncErrors.Op(opWaitFor), syncErrors.Component("client"), syncErrors.KindClosed, "client closed")
		}
	}
}

// WaitRevision blocks until name's cache holds at least revision.
func (c *Client) WaitRevision(ctx context.Context, name topic.Name, revision uint64) (TopicState, error) {
	return c.WaitFor(ctx, name, func(st TopicState) bool {
		return st.HasRevision && st.Revision >= revision
	})
}

// WaitReady blocks until every subscribed topic has a snapshot.
func (c *Client) WaitReady(ctx context.Context) error {
	for _, name := range c.topics {
		if _, err := c.WaitFor(ctx, name, func(st TopicState) bool { return st.HasRevision }); err != nil {
			return err
		}
	}
	return nil
}

// Update sends patch through the gateway. The local cache is not touched;
// it catches up through the invalidation like every other window.
func (c *Client) Update(ctx context.Context, patch topic.Patch) error {
	patch = topic.NormalizePatch(patch)
	if patch == nil {
		return syncErrors.E(syncErrors.OpUpdate, syncErrors.Component("client"), syncErrors.KindInvalid, "nil patch")
	}
	return c.gw.Update(ctx, patch.Topic(), patch)
}

// notifyLocked publishes a cache change to State readers and waiters. c.mu
// must be held for writing.
func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) setStatus(e *entry, s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.status == s {
		return
	}
	e.status = s
	c.notifyLocked()
}
