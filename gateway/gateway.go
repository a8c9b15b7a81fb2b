// Package gateway is the request/response surface windows use to read and
// mutate topic state. Results and errors are JSON; errors travel as
// {"__error": "..."} so transports never need a side channel for them.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

// Backend is the part of the store the gateway drives.
type Backend interface {
	Snapshot(name topic.Name) (store.Snapshot, error)
	Update(ctx context.Context, name topic.Name, patch topic.Patch, sourceID string) (uint64, error)
}

type handler func(ctx context.Context, caller string, args json.RawMessage) (json.RawMessage, error)

// Gateway dispatches commands to the store.
type Gateway struct {
	backend  Backend
	commands map[string]handler
	logger   *logging.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *logging.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New registers the snapshot and update command for every topic.
func New(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend:  backend,
		commands: make(map[string]handler),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrDefault(g.logger).WithComponent("gateway")

	for _, d := range topic.All() {
		d := d
		g.commands[d.Name().SnapshotCommand()] = func(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
			snap, err := g.backend.Snapshot(d.Name())
			if err != nil {
				return nil, err
			}
			return EncodeSnapshot(snap)
		}
		g.commands[d.Name().UpdateCommand()] = func(ctx context.Context, caller string, args json.RawMessage) (json.RawMessage, error) {
			patch, err := d.DecodePatch(args)
			if err != nil {
				return nil, err
			}
			if _, err := g.backend.Update(ctx, d.Name(), patch, caller); err != nil {
				return nil, err
			}
			return json.RawMessage("null"), nil
		}
	}
	return g
}

// Commands lists the registered command names in sorted order.
func (g *Gateway) Commands() []string {
	out := make([]string, 0, len(g.commands))
	for name := range g.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether command is registered.
func (g *Gateway) Has(command string) bool {
	_, ok := g.commands[command]
	return ok
}

// Invoke runs command on behalf of caller, the invoking window's source id.
// An update returns only after the store has committed and published.
func (g *Gateway) Invoke(ctx context.Context, caller, command string, args json.RawMessage) (json.RawMessage, error) {
	h, ok := g.commands[command]
	if !ok {
		return nil, syncErrors.E(syncErrors.OpInvoke, syncErrors.Component("gateway"), syncErrors.KindNotFound,
			fmt.Errorf("unknown command %q", command))
	}

	start := time.Now()
	result, err := h(ctx, caller, args)
	if err != nil {
		g.logger.LogWarnError(ctx, err, "command failed",
			slog.String("command", command),
			slog.String("caller", caller),
		)
		return nil, err
	}
	g.logger.Debug("command completed",
		slog.String("command", command),
		slog.String("caller", caller),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// Respond is Invoke rendered for the wire: the result, or an error result.
func (g *Gateway) Respond(ctx context.Context, caller, command string, args json.RawMessage) json.RawMessage {
	result, err := g.Invoke(ctx, caller, command, args)
	if err != nil {
		return EncodeError(err)
	}
	return result
}
