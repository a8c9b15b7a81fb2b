// Package natsbridge carries invalidation events from the backend to other
// processes over NATS. The backend that owns the store runs Forward. A process
// that only hosts windows runs Relay into its own hub and fetches snapshots
// from that backend; a hub that fronts a store must never be a Relay target,
// since its windows would read revisions that store never wrote.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	"github.com/c0deZ3R0/go-state-sync/bus"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// DefaultSubject is the NATS subject events are published on.
const DefaultSubject = bus.EventName

// Conn is the part of a NATS connection the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

type natsConn struct{ nc *nats.Conn }

// Wrap adapts a *nats.Conn to Conn.
func Wrap(nc *nats.Conn) Conn { return natsConn{nc: nc} }

func (c natsConn) Publish(subject string, data []byte) error { return c.nc.Publish(subject, data) }

func (c natsConn) Subscribe(subject string, handler func([]byte)) (func() error, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

// Connect dials url and keeps reconnecting for the life of the process.
func Connect(url, name string, logger *logging.Logger) (*nats.Conn, error) {
	logger = logging.OrDefault(logger).WithComponent("natsbridge")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, syncErrors.E(syncErrors.Op("natsbridge.Connect"), syncErrors.Component("natsbridge"),
			syncErrors.NewTransportError(syncErrors.OpSubscribe, err))
	}
	return nc, nil
}

type envelope struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Bridge links one process to the shared subject.
type Bridge struct {
	conn    Conn
	subject string
	origin  string
	logger  *logging.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithSubject overrides DefaultSubject.
func WithSubject(subject string) Option {
	return func(b *Bridge) { b.subject = subject }
}

// WithLogger sets the bridge logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// New returns a bridge over conn with a fresh origin id.
func New(conn Conn, opts ...Option) *Bridge {
	b := &Bridge{
		conn:    conn,
		subject: DefaultSubject,
		origin:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger).WithComponent("natsbridge")
	return b
}

// Origin identifies this bridge on the wire.
func (b *Bridge) Origin() string { return b.origin }

// Forward publishes every event from source to NATS until ctx ends or the
// stream does.
func (b *Bridge) Forward(ctx context.Context, source bus.Source) error {
	stream, err := source.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stream.Done():
			return stream.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if err := b.publish(ev); err != nil {
				b.logger.LogWarnError(ctx, err, "forward failed", slog.String("topic", string(ev.Topic)))
			}
		}
	}
}

func (b *Bridge) publish(ev bus.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return syncErrors.E(syncErrors.Op("natsbridge.Forward"), syncErrors.KindInternal, err)
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Event: raw})
	if err != nil {
		return syncErrors.E(syncErrors.Op("natsbridge.Forward"), syncErrors.KindInternal, err)
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		return syncErrors.E(syncErrors.Op("natsbridge.Forward"), syncErrors.NewTransportError(syncErrors.OpInvoke, err))
	}
	return nil
}

// Relay publishes events from other origins into pub until ctx ends. pub is
// the hub of a window-only process.
func (b *Bridge) Relay(ctx context.Context, pub bus.Publisher) error {
	unsubscribe, err := b.conn.Subscribe(b.subject, func(data []byte) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			b.logger.Warn("dropping malformed message", slog.String("error", err.Error()))
			return
		}
		if env.Origin == b.origin {
			return
		}
		ev, err := bus.DecodeEvent(env.Event)
		if err != nil {
			b.logger.Warn("dropping malformed event", slog.String("error", err.Error()))
			return
		}
		pub.Publish(ev)
	})
	if err != nil {
		return syncErrors.E(syncErrors.Op("natsbridge.Relay"), syncErrors.NewTransportError(syncErrors.OpSubscribe, err))
	}

	<-ctx.Done()
	if err := unsubscribe(); err != nil {
		b.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
	}
	return nil
}
