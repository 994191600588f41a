package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/go-fulfillment/internal/api"
	"github.com/safar/go-fulfillment/internal/config"
	"github.com/safar/go-fulfillment/internal/fulfillment"
	"github.com/safar/go-fulfillment/internal/logging"
	"github.com/safar/go-fulfillment/internal/metrics"
	"github.com/safar/go-fulfillment/internal/notify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	var (
		port     string
		withSeed bool
	)
	so := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fulfillment HTTP API",
		Long: "Run the fulfillment HTTP API.\n\n" +
			"The memory backend starts with an empty catalog; pass --seed to create a store\n" +
			"and a product (see --store, --product, --price, --mode and --secret) at startup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				opts.cfg.Server.Port = port
			}
			var seed *seedOptions
			if withSeed {
				if _, err := so.request(); err != nil {
					return err
				}
				seed = so
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg, seed)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (default SERVER_PORT)")
	cmd.Flags().BoolVar(&withSeed, "seed", false, "create a demo store and product before serving")
	so.bind(cmd.Flags())
	return cmd
}

// serve runs until ctx is cancelled. A non-nil seed is applied to the backend
// before the listener starts.
func serve(ctx context.Context, cfg *config.Config, seed *seedOptions) error {
	logger, err := logging.NewLogger(cfg.Log.Service, cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()
	logger.Info("storage ready", zap.String("backend", cfg.Engine.StorageBackend))

	if seed != nil {
		res, err := seedCatalog(ctx, backend, seed)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		logger.Info("catalog seeded",
			zap.String("store_id", res.store.ID),
			zap.String("product_id", res.product.ID),
			zap.Int("stock", res.stock),
		)
	}

	bus := notify.NewBus(logger,
		notify.WithQueueSize(cfg.Engine.NotifyQueueSize),
		notify.WithConcurrency(cfg.Engine.NotifyConcurrency),
	)
	bus.SubscribeAll(notify.NewLogNotifier(logger).Notify)
	bus.Start()

	engine := fulfillment.NewEngine(backend, backend, backend,
		fulfillment.WithNotifier(bus),
		fulfillment.WithLogger(logger),
		fulfillment.WithMetrics(m),
	)

	mux := http.NewServeMux()
	api.NewHandler(engine, backend, logger, m).Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Error("notification bus shutdown", zap.Error(err))
	}
	return nil
}
