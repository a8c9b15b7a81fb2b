package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	statesync "github.com/c0deZ3R0/go-state-sync"
	"github.com/c0deZ3R0/go-state-sync/bus"
	"github.com/c0deZ3R0/go-state-sync/bus/natsbridge"
	"github.com/c0deZ3R0/go-state-sync/client"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/topic"
	"github.com/c0deZ3R0/go-state-sync/transport/httptransport"
)

const cliTimeout = 30 * time.Second

// snapshotOutput is what get and watch print, one JSON object per line.
type snapshotOutput struct {
	Topic    topic.Name      `json:"topic"`
	Revision string          `json:"revision"`
	Data     json.RawMessage `json:"data"`
}

// latestChanges keeps the newest change per topic for a slower reader. put
// never blocks, so it is safe to call from the client loop.
type latestChanges struct {
	mu      sync.Mutex
	pending map[topic.Name]client.Change
	order   []topic.Name
	ready   chan struct{}
}

func newLatestChanges() *latestChanges {
	return &latestChanges{
		pending: make(map[topic.Name]client.Change),
		ready:   make(chan struct{}, 1),
	}
}

func (q *latestChanges) put(c client.Change) {
	q.mu.Lock()
	if _, ok := q.pending[c.Topic]; !ok {
		q.order = append(q.order, c.Topic)
	}
	q.pending[c.Topic] = c
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take returns the pending changes in first-arrival order and clears them.
func (q *latestChanges) take() []client.Change {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]client.Change, 0, len(q.order))
	for _, name := range q.order {
		out = append(out, q.pending[name])
		delete(q.pending, name)
	}
	q.order = q.order[:0]
	return out
}

func (a *app) gatewayClient() gateway.Client {
	hc := &http.Client{Timeout: cliTimeout}
	return httptransport.NewClient(a.cfg.Client.ServerURL, "cli-"+uuid.NewString(), hc, a.logger).Gateway()
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <topic>",
		Short: "Print the current snapshot of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := topic.Resolve(topic.Name(args[0]))
			if err != nil {
				return err
			}
			snap, err := a.gatewayClient().GetSnapshot(cmd.Context(), d.Name())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(snapshotOutput{
				Topic:    snap.Topic,
				Revision: strconv.FormatUint(snap.Revision, 10),
				Data:     snap.Data,
			})
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <topic> <json-patch>",
		Short: "Apply a partial update to a topic",
		Example: `  statesyncd update ui-preferences '{"theme":"light","locale":"en"}'
  statesyncd update stt-config '{"provider":"local"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := topic.Resolve(topic.Name(args[0]))
			if err != nil {
				return err
			}
			patch, err := d.DecodePatch([]byte(args[1]))
			if err != nil {
				return err
			}
			gw := a.gatewayClient()
			if err := gw.Update(cmd.Context(), d.Name(), patch); err != nil {
				return err
			}
			snap, err := gw.GetSnapshot(cmd.Context(), d.Name())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated, revision %d\n", d.Name(), snap.Revision)
			return nil
		},
	}
}

// Invalidation transports for watch.
const (
	viaSSE  = "sse"
	viaNATS = "nats"
)

// watchWindow builds the window for watch. Over NATS the window gets a local
// hub fed by a relay; snapshots still come from the backend over HTTP.
func (a *app) watchWindow(ctx context.Context, via string, label client.Label, opts ...client.Option) (*client.Client, func(), error) {
	switch via {
	case viaSSE:
		w, err := statesync.NewRemoteWindow(a.cfg.Client.ServerURL, a.cfg.Server.EventsPath, label, nil, a.logger, opts...)
		return w, func() {}, err

	case viaNATS:
		natsCfg := a.cfg.Bus.NATS
		if natsCfg.URL == "" {
			return nil, nil, fmt.Errorf("--via nats needs bus.nats.url")
		}
		nc, err := natsbridge.Connect(natsCfg.URL, natsCfg.Name+"-watch", a.logger)
		if err != nil {
			return nil, nil, err
		}
		hub := bus.NewHub(bus.WithLogger(a.logger))
		bridge := natsbridge.New(natsbridge.Wrap(nc),
			natsbridge.WithSubject(natsCfg.Subject),
			natsbridge.WithLogger(a.logger))

		relayCtx, stopRelay := context.WithCancel(ctx)
		relayed := make(chan struct{})
		go func() {
			defer close(relayed)
			if err := bridge.Relay(relayCtx, hub); err != nil {
				a.logger.LogError(relayCtx, err, "nats relay stopped")
			}
		}()
		cleanup := func() {
			stopRelay()
			<-relayed
			_ = hub.Close()
			nc.Close()
		}

		w, err := statesync.NewRelayedWindow(a.cfg.Client.ServerURL, hub, label, nil, a.logger, opts...)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		return w, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown --via %q (want %s or %s)", via, viaSSE, viaNATS)
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		label string
		via   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run a window sync client against the backend and print the newest snapshot of each topic as it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := json.NewEncoder(cmd.OutOrStdout())
			changes := newLatestChanges()

			w, cleanup, err := a.watchWindow(cmd.Context(), via, client.ParseLabel(label),
				client.WithBackoff(a.cfg.Client.BackoffInitial, a.cfg.Client.BackoffMax),
				client.OnChange(changes.put))
			if err != nil {
				return err
			}
			defer cleanup()
			if err := w.Start(cmd.Context()); err != nil {
				return err
			}
			defer w.Close()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-w.Done():
					return nil
				case <-changes.ready:
					for _, c := range changes.take() {
						if err := out.Encode(snapshotOutput{
							Topic:    c.Topic,
							Revision: strconv.FormatUint(c.Revision, 10),
							Data:     c.Data,
						}); err != nil {
							return err
						}
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&label, "label", string(client.LabelUnknown), "window label: main, settings, auth")
	cmd.Flags().StringVar(&via, "via", viaSSE, "invalidation transport: sse (the backend's event stream) or nats (bus.nats)")
	return cmd
}

func newTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List the registered topics and their commands",
		Args:  cobra.NoArgs,
		// Listing is local; skip config loading.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOPIC\tSNAPSHOT\tUPDATE")
			for _, name := range topic.Names() {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, name.SnapshotCommand(), name.UpdateCommand())
			}
			return tw.Flush()
		},
	}
}
