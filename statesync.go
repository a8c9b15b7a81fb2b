// Package statesync wires the state sync backend together: a persister, the
// source-of-truth store, the invalidation bus and the command gateway, plus
// helpers to attach in-process windows and to serve remote ones over HTTP.
package statesync

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-state-sync/bus"
	"github.com/c0deZ3R0/go-state-sync/client"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/storage/memory"
	"github.com/c0deZ3R0/go-state-sync/store"
	"github.com/c0deZ3R0/go-state-sync/topic"
	"github.com/c0deZ3R0/go-state-sync/transport/httptransport"
	"github.com/c0deZ3R0/go-state-sync/transport/sse"
)

// DefaultEventsPath is where the router serves the invalidation stream.
const DefaultEventsPath = "/events"

// Backend is one running state sync backend.
type Backend struct {
	hub     *bus.Hub
	store   *store.Store
	gw      *gateway.Gateway
	logger  *logging.Logger
	metrics metrics.Collector
}

// BackendBuilder provides a fluent interface for constructing a Backend.
type BackendBuilder struct {
	persister store.Persister
	logger    *logging.Logger
	metrics   metrics.Collector
}

// NewBackendBuilder creates a builder that defaults to an in-memory
// persister.
func NewBackendBuilder() *BackendBuilder {
	return &BackendBuilder{}
}

// WithPersister sets where topic state is stored. The backend takes
// ownership and closes it.
func (b *BackendBuilder) WithPersister(p store.Persister) *BackendBuilder {
	b.persister = p
	return b
}

func (b *BackendBuilder) WithLogger(l *logging.Logger) *BackendBuilder {
	b.logger = l
	return b
}

func (b *BackendBuilder) WithMetrics(m metrics.Collector) *BackendBuilder {
	b.metrics = m
	return b
}

// Build restores the store from the persister and returns the running
// backend.
func (b *BackendBuilder) Build(ctx context.Context) (*Backend, error) {
	logger := logging.OrDefault(b.logger)
	collector := metrics.OrNoOp(b.metrics)

	persister := b.persister
	if persister == nil {
		persister = memory.New()
	}

	hub := bus.NewHub(bus.WithLogger(logger), bus.WithMetrics(collector))
	st, err := store.Open(ctx, persister, hub, store.WithLogger(logger), store.WithMetrics(collector))
	if err != nil {
		_ = hub.Close()
		_ = persister.Close()
		return nil, err
	}

	logger.Info("state sync backend ready")
	return &Backend{
		hub:     hub,
		store:   st,
		gw:      gateway.New(st, gateway.WithLogger(logger)),
		logger:  logger,
		metrics: collector,
	}, nil
}

// Hub returns the invalidation bus.
func (b *Backend) Hub() *bus.Hub { return b.hub }

// Store returns the source-of-truth store.
func (b *Backend) Store() *store.Store { return b.store }

// Gateway returns the command gateway.
func (b *Backend) Gateway() *gateway.Gateway { return b.gw }

// LocalClient returns an in-process gateway client issuing commands as
// sourceID.
func (b *Backend) LocalClient(sourceID string) gateway.Client {
	return gateway.NewLocal(b.gw, sourceID)
}

// NewWindow creates an in-process window sync client with a fresh window
// id, wired to this backend's gateway and bus. The caller starts it.
func (b *Backend) NewWindow(label client.Label, opts ...client.Option) (*client.Client, error) {
	id := uuid.NewString()
	opts = append([]client.Option{
		client.WithLogger(b.logger),
		client.WithMetrics(b.metrics),
	}, opts...)
	opts = append(opts, client.WithID(id), client.WithLabel(label))
	return client.New(b.LocalClient(id), b.hub, opts...)
}

// Update applies patch on behalf of sourceID.
func (b *Backend) Update(ctx context.Context, patch topic.Patch, sourceID string) (uint64, error) {
	patch = topic.NormalizePatch(patch)
	if patch == nil {
		return 0, syncErrors.E(syncErrors.OpUpdate, syncErrors.Component("statesync"), syncErrors.KindInvalid, "nil patch")
	}
	return b.store.Update(ctx, patch.Topic(), patch, sourceID)
}

// Router serves the command routes and the invalidation stream at
// eventsPath (DefaultEventsPath if empty).
func (b *Backend) Router(eventsPath string, opts ...httptransport.ServerOption) chi.Router {
	if eventsPath == "" {
		eventsPath = DefaultEventsPath
	}
	r := httptransport.NewHandler(b.gw, b.logger, opts...).Router()
	r.Method(http.MethodGet, eventsPath, sse.NewServer(b.hub, b.logger).Handler())
	return r
}

// Close ends every bus subscription and closes the store and its
// persister.
func (b *Backend) Close() error {
	return stderrors.Join(b.store.Close(), b.hub.Close())
}

// NewRemoteWindow creates a window sync client for a backend served by
// Router at baseURL: commands go over HTTP and invalidations arrive over
// SSE. A nil httpClient uses a clone of the default transport.
func NewRemoteWindow(baseURL, eventsPath string, label client.Label, httpClient *http.Client, logger *logging.Logger, opts ...client.Option) (*client.Client, error) {
	if eventsPath == "" {
		eventsPath = DefaultEventsPath
	}
	baseURL = strings.TrimRight(baseURL, "/")
	id := uuid.NewString()
	events := sse.NewClient(baseURL+eventsPath, id, httpClient, logger)
	return newHTTPWindow(baseURL, id, events, label, httpClient, logger, opts...)
}

// NewRelayedWindow creates a window that fetches snapshots from the backend
// at baseURL and takes invalidations from source, typically a local hub fed
// by natsbridge.Relay. source must carry that backend's events.
func NewRelayedWindow(baseURL string, source bus.Source, label client.Label, httpClient *http.Client, logger *logging.Logger, opts ...client.Option) (*client.Client, error) {
	if source == nil {
		return nil, syncErrors.E(syncErrors.Op("statesync.NewRelayedWindow"), syncErrors.Component("statesync"), syncErrors.KindInvalid, "nil source")
	}
	return newHTTPWindow(strings.TrimRight(baseURL, "/"), uuid.NewString(), source, label, httpClient, logger, opts...)
}

func newHTTPWindow(baseURL, id string, source bus.Source, label client.Label, httpClient *http.Client, logger *logging.Logger, opts ...client.Option) (*client.Client, error) {
	invoker := httptransport.NewClient(baseURL, id, httpClient, logger)
	opts = append([]client.Option{client.WithLogger(logger)}, opts...)
	opts = append(opts, client.WithID(id), client.WithLabel(label))
	return client.New(invoker.Gateway(), source, opts...)
}
