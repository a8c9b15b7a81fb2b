package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
)

// Client is what a window needs from the gateway.
type Client interface {
	GetSnapshot(ctx context.Context, name topic.Name) (store.Snapshot, error)
	Update(ctx context.Context, name topic.Name, patch topic.Patch) error
}

// Invoker sends one command and returns its raw wire result, which may be
// an error result.
type Invoker interface {
	Invoke(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error)
}

// CommandClient implements Client over any Invoker.
type CommandClient struct {
	inv Invoker
}

var _ Client = (*CommandClient)(nil)

// NewCommandClient returns a Client that speaks the command protocol
// through inv.
func NewCommandClient(inv Invoker) *CommandClient {
	return &CommandClient{inv: inv}
}

func (c *CommandClient) call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	raw, err := c.inv.Invoke(ctx, command, args)
	if err != nil {
		return nil, err
	}
	return CheckResult(raw)
}

// GetSnapshot fetches the full {revision, data} of name.
func (c *CommandClient) GetSnapshot(ctx context.Context, name topic.Name) (store.Snapshot, error) {
	raw, err := c.call(ctx, name.SnapshotCommand(), nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	return DecodeSnapshot(name, raw)
}

// Update sends patch to name's update command.
func (c *CommandClient) Update(ctx context.Context, name topic.Name, patch topic.Patch) error {
	patch = topic.NormalizePatch(patch)
	if patch == nil || patch.Topic() != name {
		return syncErrors.E(syncErrors.OpUpdate, syncErrors.Component("gateway"), syncErrors.KindInvalid,
			fmt.Errorf("patch does not belong to %s", name))
	}
	args, err := json.Marshal(patch)
	if err != nil {
		return syncErrors.E(syncErrors.OpUpdate, syncErrors.Component("gateway"), syncErrors.KindInvalid, err)
	}
	raw, err := c.call(ctx, name.UpdateCommand(), args)
	if err != nil {
		return err
	}
	if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return syncErrors.E(syncErrors.OpUpdate, syncErrors.Component("gateway"), syncErrors.KindInternal,
			fmt.Errorf("unexpected update result %s", raw))
	}
	return nil
}

// LocalInvoker calls a Gateway in-process but still goes through the wire
// encoding, so in-process windows see the same boundary as remote ones.
type LocalInvoker struct {
	Gateway  *Gateway
	SourceID string
}

// Invoke implements Invoker.
func (l LocalInvoker) Invoke(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	return l.Gateway.Respond(ctx, l.SourceID, command, args), nil
}

// NewLocal returns a Client bound to gw that issues commands as sourceID.
func NewLocal(gw *Gateway, sourceID string) *CommandClient {
	return NewCommandClient(LocalInvoker{Gateway: gw, SourceID: sourceID})
}
