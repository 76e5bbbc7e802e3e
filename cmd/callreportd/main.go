package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callreportd/callreportd/internal/api"
	"github.com/callreportd/callreportd/internal/api/middleware"
	"github.com/callreportd/callreportd/internal/bus"
	"github.com/callreportd/callreportd/internal/calllog"
	"github.com/callreportd/callreportd/internal/config"
	"github.com/callreportd/callreportd/internal/database"
	"github.com/callreportd/callreportd/internal/metrics"
	"github.com/callreportd/callreportd/internal/pipeline"
	"github.com/callreportd/callreportd/internal/trunks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.PrintTokenSubject != "" {
		if err := printToken(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler())
	slog.SetDefault(logger)

	slog.Info("starting callreportd",
		"http_port", cfg.HTTPPort,
		"bus_broker", cfg.BusBroker,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cels := database.NewCELRepository(db)
	records := database.NewCallRecordRepository(db)
	schedules := database.NewScheduleRepository(db)
	trunkRepo := database.NewTrunkRepository(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Load the trunk number enrichment table once at startup. Records
	// built before a trunk is provisioned simply miss their number.
	table, err := trunks.Build(appCtx, trunkRepo, logger)
	if err != nil {
		slog.Error("failed to load trunk directory", "error", err)
		os.Exit(1)
	}
	slog.Info("trunk enrichment table loaded", "entries", table.Len())

	builder := calllog.NewBuilder(table, logger)
	coordinator := pipeline.New(cels, records, builder, logger, pipeline.Options{
		Workers:      cfg.PipelineWorkers,
		BatchTimeout: cfg.BatchTimeout,
	})

	// Subscribe to the channel event bus.
	consumer, err := bus.NewConsumer(bus.Options{
		Broker:   cfg.BusBroker,
		ClientID: cfg.BusClientID,
		Topic:    cfg.BusTopic,
	}, cels, coordinator, logger)
	if err != nil {
		slog.Error("failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	// Periodic sweep for calls whose end event never arrived.
	go sweepLoop(appCtx, coordinator, cfg.SweepInterval, cfg.SweepAge)

	// Prometheus metrics on a dedicated registry.
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(records, cels, coordinator, table, time.Now()))

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}

	handler := api.NewServer(cfg, api.Options{
		Records:   records,
		Schedules: schedules,
		CELs:      cels,
		Pipeline:  coordinator,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		JWTSecret: jwtSecret,
		Logger:    logger,
	})
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	appCancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("callreportd stopped")
}

// printToken mints a bearer token for API clients. It needs the daemon's
// configured signing secret; a token signed with an auto-generated one
// would stop validating on the next restart.
func printToken(cfg *config.Config) error {
	if cfg.JWTSecret == "" {
		return fmt.Errorf("-jwt-secret is required to print a token")
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	token, _, err := middleware.GenerateToken(secret, cfg.PrintTokenSubject)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// sweepLoop periodically reduces unprocessed events old enough that their
// call has certainly ended, catching streams that never saw an end event.
func sweepLoop(ctx context.Context, coordinator *pipeline.Coordinator, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := coordinator.GenerateFromAge(ctx, age)
			if err != nil {
				slog.Error("periodic sweep failed", "error", err)
				continue
			}
			if result.Correlations > 0 {
				slog.Info("periodic sweep finished",
					"batch_id", result.BatchID,
					"correlations", result.Correlations,
					"records", result.RecordsCreated,
					"failures", result.Failures,
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
