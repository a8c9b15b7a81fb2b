package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c0deZ3R0/go-state-sync/bus"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

type fetchResult struct {
	name     topic.Name
	snapshot store.Snapshot
	payload  topic.Payload
	err      error
}

type openResult struct {
	stream bus.Stream
	err    error
}

// loop holds the state owned by the run goroutine.
type loop struct {
	stream        bus.Stream
	events        <-chan bus.Event
	resubBackoff  *backoff.ExponentialBackOff
	resubTimer    *time.Timer
	resubscribing bool
}

// run is the single goroutine that owns reconciliation. Fetches and
// resubscribes happen off-loop and post their results back here, so events
// keep being observed while a fetch is in flight.
func (c *Client) run(ctx context.Context, stream bus.Stream) {
	l := &loop{resubBackoff: c.newBackoff()}

	defer close(c.done)
	defer c.shutdown(l)

	if stream != nil {
		l.attach(stream)
	} else {
		c.scheduleResubscribe(ctx, l)
	}

	for _, name := range c.topics {
		c.startFetch(ctx, c.entries[name])
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-l.events:
			if !ok {
				err := l.stream.Err()
				l.stream, l.events = nil, nil
				if ctx.Err() != nil {
					return
				}
				c.logger.LogWarnError(ctx, err, "event stream ended, resubscribing")
				c.scheduleResubscribe(ctx, l)
				continue
			}
			c.handleEvent(ctx, ev)

		case r := <-c.results:
			c.handleResult(ctx, r)

		case name := <-c.retries:
			e := c.entries[name]
			e.waitingRetry = false
			e.retryTimer = nil
			c.startFetch(ctx, e)

		case o := <-c.opened:
			l.resubscribing = false
			if o.err != nil {
				c.logger.LogWarnError(ctx, o.err, "resubscribe failed")
				c.scheduleResubscribe(ctx, l)
				continue
			}
			l.attach(o.stream)
			l.resubBackoff.Reset()
			c.logger.Info("resubscribed, re-fetching every topic")
			c.refetchAll(ctx)
		}
	}
}

func (l *loop) attach(s bus.Stream) {
	l.stream = s
	l.events = s.Events()
}

func (c *Client) shutdown(l *loop) {
	if l.stream != nil {
		l.stream.Unsubscribe()
	}
	if l.resubTimer != nil {
		l.resubTimer.Stop()
	}
	for _, e := range c.entries {
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
	}
	c.logger.Debug("window sync client stopped")
}

func (c *Client) handleEvent(ctx context.Context, ev bus.Event) {
	e, ok := c.entries[ev.Topic]
	if !ok {
		return
	}
	window, name := string(c.label), string(ev.Topic)

	if e.hasRev && ev.Revision <= e.revision {
		c.metrics.RecordStale(window, name)
		c.logger.Debug("discarding stale invalidation",
			slog.String("topic", name),
			slog.Uint64("revision", ev.Revision),
			slog.Uint64("cached_revision", e.revision))
		return
	}

	if e.inFlight || e.waitingRetry {
		if ev.Revision > e.pendingRev {
			e.pendingRev = ev.Revision
		}
		c.metrics.RecordCoalesced(window, name)
		return
	}

	if e.status == StatusSynced {
		c.setStatus(e, StatusReconciling)
	}
	c.startFetch(ctx, e)
}

func (c *Client) startFetch(ctx context.Context, e *entry) {
	e.inFlight = true
	e.forced = false
	e.pendingRev = 0

	name := e.name
	go func() {
		snap, err := c.gw.GetSnapshot(ctx, name)
		var payload topic.Payload
		if err == nil {
			payload, err = snap.Decode()
		}
		select {
		case c.results <- fetchResult{name: name, snapshot: snap, payload: payload, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Client) handleResult(ctx context.Context, r fetchResult) {
	e := c.entries[r.name]
	e.inFlight = false
	window, name := string(c.label), string(r.name)

	if r.err != nil {
		if ctx.Err() != nil {
			return
		}
		c.metrics.RecordFetch(window, name, metrics.OutcomeError)
		c.metrics.RecordRetry(window, name)

		delay := e.backoff.NextBackOff()
		c.logger.LogWarnError(ctx, r.err, "snapshot fetch failed",
			slog.String("topic", name),
			slog.String("status", e.status.String()),
			slog.Duration("retry_in", delay))

		e.waitingRetry = true
		e.retryTimer = time.AfterFunc(delay, func() {
			select {
			case c.retries <- r.name:
			case <-ctx.Done():
			}
		})
		return
	}

	c.metrics.RecordFetch(window, name, metrics.OutcomeOK)
	e.backoff.Reset()

	applied := c.apply(e, r)

	if e.forced || e.pendingRev > r.snapshot.Revision {
		c.setStatus(e, StatusReconciling)
		c.startFetch(ctx, e)
	} else {
		c.setStatus(e, StatusSynced)
	}

	if applied && c.onChange != nil {
		c.onChange(Change{Topic: r.name, Revision: r.snapshot.Revision, Data: r.snapshot.Data, Payload: r.payload})
	}
}

// apply overwrites the cache with the fetched snapshot. A snapshot older
// than the cache is ignored so the cached revision never goes backwards.
func (c *Client) apply(e *entry, r fetchResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.hasRev && r.snapshot.Revision <= e.revision {
		return false
	}
	e.revision = r.snapshot.Revision
	e.hasRev = true
	e.data = r.snapshot.Data
	e.payload = r.payload
	c.notifyLocked()

	c.logger.Debug("snapshot applied",
		slog.String("topic", string(r.name)),
		slog.Uint64("revision", r.snapshot.Revision))
	return true
}

// refetchAll recovers from notifications missed while the subscription was
// down.
func (c *Client) refetchAll(ctx context.Context) {
	for _, name := range c.topics {
		e := c.entries[name]
		switch {
		case e.inFlight:
			e.forced = true
		case e.waitingRetry:
		default:
			if e.status == StatusSynced {
				c.setStatus(e, StatusReconciling)
			}
			c.startFetch(ctx, e)
		}
	}
}

func (c *Client) scheduleResubscribe(ctx context.Context, l *loop) {
	if l.resubscribing {
		return
	}
	l.resubscribing = true

	delay := l.resubBackoff.NextBackOff()
	l.resubTimer = time.AfterFunc(delay, func() {
		s, err := c.source.Open(ctx)
		select {
		case c.opened <- openResult{stream: s, err: err}:
		case <-ctx.Done():
			if err == nil {
				s.Unsubscribe()
			}
		}
	})
}
