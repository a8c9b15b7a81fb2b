package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	statesync "github.com/c0deZ3R0/go-state-sync"
	"github.com/c0deZ3R0/go-state-sync/bus/natsbridge"
	"github.com/c0deZ3R0/go-state-sync/config"
	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/metrics"
	"github.com/c0deZ3R0/go-state-sync/transport/httptransport"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend: command gateway, invalidation stream and optional NATS export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), a.cfg, a.logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	var (
		collector metrics.Collector
		registry  *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		p, err := metrics.NewPrometheus(registry)
		if err != nil {
			return err
		}
		collector = p
	}

	persister, err := openPersister(ctx, cfg, logger)
	if err != nil {
		return err
	}
	backend, err := statesync.NewBackendBuilder().
		WithPersister(persister).
		WithLogger(logger).
		WithMetrics(collector).
		Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.LogError(context.Background(), err, "backend close failed")
		}
	}()

	router := backend.Router(cfg.Server.EventsPath,
		httptransport.WithMaxRequestSize(cfg.Server.MaxRequestSize),
		httptransport.WithCompression(cfg.Server.Compression),
	)
	if registry != nil {
		router.Method(http.MethodGet, cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Bus.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.Bus.NATS.URL, cfg.Bus.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		bridge := natsbridge.New(natsbridge.Wrap(nc),
			natsbridge.WithSubject(cfg.Bus.NATS.Subject),
			natsbridge.WithLogger(logger))
		// The backend only exports its invalidations; its hub fronts the
		// store and never takes relayed events.
		logger.Info("nats export enabled",
			slog.String("subject", cfg.Bus.NATS.Subject),
			slog.String("origin", bridge.Origin()))

		g.Go(func() error {
			if err := bridge.Forward(gctx, backend.Hub()); err != nil && !syncErrors.IsClosed(err) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("events_path", cfg.Server.EventsPath),
			slog.Bool("metrics", cfg.Metrics.Enabled),
			slog.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Ending every subscription lets open event streams return so the
		// server can drain.
		_ = backend.Hub().Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
