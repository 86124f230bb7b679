package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fortiblox/dagfeed/internal/config"
	"github.com/fortiblox/dagfeed/pkg/broadcast"
	"github.com/fortiblox/dagfeed/pkg/emitter"
	"github.com/fortiblox/dagfeed/pkg/kaspad"
	"github.com/fortiblox/dagfeed/pkg/livefeed"
	"github.com/fortiblox/dagfeed/pkg/metrics"
	"github.com/fortiblox/dagfeed/pkg/rpcpool"
	"github.com/fortiblox/dagfeed/pkg/watchdog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serve runs dagfeed until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := metrics.New(cfg.Metrics.Namespace)

	router, err := newRouter(cfg, logger, m)
	if err != nil {
		return err
	}
	defer router.Stop()

	// Find a usable node before accepting subscribers.
	logger.Info("waiting for a ready kaspad node", zap.Duration("timeout", cfg.Kaspad.StartupTimeout))
	startCtx, cancel := context.WithTimeout(ctx, cfg.Kaspad.StartupTimeout)
	backend, err := router.WaitReady(startCtx, rpcpool.DefaultWaitInterval)
	cancel()
	if err != nil {
		return fmt.Errorf("no kaspad node became ready: %w", err)
	}
	health := backend.Health()
	logger.Info("kaspad node ready",
		zap.String("backend", backend.Address()),
		zap.String("server_version", health.ServerVersion),
		zap.Int("ready", router.ReadyCount()),
		zap.Int("total", router.TotalCount()),
	)
	router.Start(ctx)

	hub := broadcast.NewHub(broadcast.HubConfig{Logger: logger, Metrics: m})

	engine := livefeed.NewEngine(router, hub, livefeed.Config{
		Interval:          cfg.Feed.LiveInterval,
		Window:            cfg.Feed.Window,
		TileLimit:         cfg.Feed.TileLimit,
		FetchTimeout:      cfg.Kaspad.MempoolTimeout,
		MassLimit:         cfg.Feed.BlockMassLimit,
		MassLimitInterval: cfg.Feed.MassLimitInterval,
		Logger:            logger,
		Metrics:           m,
	})

	// A new mempool-live subscriber gets a snapshot right away.
	hub.SetOnJoin(func(topic string) {
		if topic == broadcast.TopicMempoolLive {
			engine.RequestPublish()
		}
	})

	supervisor := watchdog.New(engine.Run, watchdog.Config{
		Name:     broadcast.TopicMempoolLive,
		Interval: cfg.Watchdog.Interval,
		Reinit:   router.ProbeAll,
		Logger:   logger,
		Metrics:  m,
	})
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start %s task: %w", broadcast.TopicMempoolLive, err)
	}

	emitOpts := emitter.Options{
		Interval: cfg.Feed.EmitInterval,
		Timeout:  cfg.Kaspad.RequestTimeout,
		Logger:   logger,
		Metrics:  m,
	}

	// Block notifications hold one subscription; a dropped stream is
	// resubscribed by its own supervisor once the nodes are rechecked.
	blocks := emitter.NewBlockStream(router, hub, emitOpts)
	blockSupervisor := watchdog.New(blocks.Run, watchdog.Config{
		Name:     blocks.Topic(),
		Interval: cfg.Watchdog.Interval,
		Reinit:   router.ProbeAll,
		Logger:   logger,
		Metrics:  m,
	})
	if err := blockSupervisor.Start(ctx); err != nil {
		return fmt.Errorf("start %s task: %w", blocks.Topic(), err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newHTTPHandler(hub, router, m, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	emitters := emitter.Standard(router, hub, emitOpts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return emitter.RunAll(gctx, emitters...)
	})
	g.Go(func() error {
		return engine.RunMassLimitRefresher(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		for _, s := range []*watchdog.Supervisor{supervisor, blockSupervisor} {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logger.Warn("task shutdown incomplete", zap.Error(err))
			}
		}
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		// Signal-driven shutdown; component errors past this point are
		// side effects of cancellation.
		return nil
	}
	return err
}

// newRouter creates one client per configured host behind a failover router.
func newRouter(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*rpcpool.Pool, error) {
	backends := make([]rpcpool.Backend, 0, len(cfg.Kaspad.Hosts))
	for _, host := range cfg.Kaspad.Hosts {
		client, err := kaspad.NewClient(kaspad.ClientConfig{
			Address:  host,
			PoolSize: cfg.Kaspad.PoolSize,
			Logger:   logger,
			Metrics:  m,
		})
		if err != nil {
			for _, b := range backends {
				b.Close()
			}
			return nil, fmt.Errorf("kaspad client %s: %w", host, err)
		}
		backends = append(backends, client)
	}

	router := rpcpool.NewPool(backends)
	router.SetHealthCheckPeriod(cfg.Kaspad.HealthCheckPeriod)
	router.SetProbeTimeout(cfg.Kaspad.RequestTimeout)
	router.SetLogger(logger)
	router.SetMetrics(m)
	router.SetOnHealthChange(func(addr string, ready bool) {
		logger.Info("kaspad readiness changed", zap.String("backend", addr), zap.Bool("ready", ready))
	})
	return router, nil
}
