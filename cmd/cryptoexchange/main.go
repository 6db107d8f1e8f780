package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/cryptoexchange/internal/config"
	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/engine"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/handler"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/node"
	"github.com/efreitasn/cryptoexchange/internal/reconciler"
	"github.com/efreitasn/cryptoexchange/internal/service"
	"github.com/efreitasn/cryptoexchange/internal/store"
	"github.com/efreitasn/cryptoexchange/internal/store/kvstore"
	"github.com/efreitasn/cryptoexchange/internal/store/postgres"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	markets, err := domain.NewMarketRegistry(cfg.Markets...)
	if err != nil {
		return fmt.Errorf("invalid markets: %w", err)
	}
	if len(cfg.Markets) == 0 {
		logger.Warn("no markets configured, order entry is disabled")
	}

	nodes, err := node.NewRegistry(cfg.Nodes)
	if err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	feed := events.NewFeed(cfg.EventFeedSize)
	sinks, closers, err := openSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("failed to close event sink", slog.String("error", err.Error()))
			}
		}
	}()
	pub := events.NewMulti(logger, append([]events.Sink{feed}, sinks...)...)

	coord := engine.NewCoordinator(markets, st, pub, m, logger)
	restored, err := coord.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore order books: %w", err)
	}
	logger.Info("order books restored", slog.Int("orders", restored))

	rec := reconciler.New(reconciler.Config{
		Interval:   cfg.ReconcileInterval,
		RPCTimeout: cfg.RPCTimeout,
		Workers:    int64(cfg.ReconcileWorkers),
	}, st, nodes, pub, m, logger)

	router := handler.NewRouter(handler.Deps{
		Orders:   service.NewOrderService(coord, st, markets),
		Markets:  service.NewMarketService(markets, coord, st),
		Wallet:   service.NewWalletService(st, nodes, pub, m, logger, cfg.RPCTimeout),
		Feed:     feed,
		Gatherer: reg,
		Logger:   logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("store", cfg.StoreDriver),
			slog.Any("coins", nodes.Coins()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		rec.Start(gctx)
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Stop accepting requests, then let in-flight scans finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
		rec.Wait()
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.DriverPebble:
		kv, err := kvstore.Open(cfg.PebbleDir)
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		return store.NewMemory(), nil
	}
}

// openSinks connects the optional message sinks. Closers are returned in
// the order they should be closed.
func openSinks(cfg *config.Config, logger *slog.Logger) ([]events.Sink, []io.Closer, error) {
	var (
		sinks   []events.Sink
		closers []io.Closer
	)
	if cfg.NATSURL != "" {
		n, err := events.DialNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		sinks = append(sinks, n)
		closers = append(closers, n)
	}
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		sinks = append(sinks, k)
		closers = append(closers, k)
	}
	if cfg.WebhookURL != "" {
		w := events.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout, logger)
		sinks = append(sinks, w)
		closers = append(closers, waitCloser{w})
	}
	return sinks, closers, nil
}

// waitCloser lets pending webhook deliveries finish on shutdown.
type waitCloser struct{ w *events.Webhook }

func (c waitCloser) Close() error {
	c.w.Wait()
	return nil
}
