/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and optional YAML config
  2. Initialize SQLite store
  3. Wire the quote/commit/refund engines and metrics
  4. Configure HTTP router and maturation scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to YAML config file (optional)
  -listen  Listen address, overrides config (default from config: :8080)
  -db      SQLite database path, overrides config
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the maturation scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loyalty.db"

  # Run with a config file
  ./server -config="./config.yaml"

SEE ALSO:
  - config/config.go: Configuration format
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopline/loyalty-engine/api"
	"github.com/loopline/loyalty-engine/config"
	"github.com/loopline/loyalty-engine/loyalty"
	"github.com/loopline/loyalty-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config failed", "error", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Error("initialize database failed", "error", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := loyalty.NewMetrics(registry)

	clock := loyalty.SystemClock()
	resolver := &loyalty.PositionResolver{Clock: clock, Context: loyalty.NopCustomerContextService{}}
	lots := &loyalty.LotLedger{Clock: clock}
	referrals := &loyalty.ReferralEngine{
		LedgerEnabled: cfg.LedgerEnabled,
		Clock:         clock,
		Log:           log.With("component", "referrals"),
		Metrics:       metrics,
	}

	handler := &api.Handler{
		Quote: &loyalty.QuoteEngine{
			UoW:      store,
			Resolver: resolver,
			Tiers:    loyalty.NopTierResolver{},
			Context:  loyalty.NopCustomerContextService{},
			Clock:    clock,
			Log:      log.With("component", "quote"),
			Metrics:  metrics,
		},
		Commit: &loyalty.CommitEngine{
			UoW:             store,
			Resolver:        resolver,
			Tiers:           loyalty.NopTierResolver{},
			PromoCodes:      loyalty.NopPromoCodeService{},
			Context:         loyalty.NopCustomerContextService{},
			Motivation:      loyalty.NopStaffMotivationService{},
			Referrals:       referrals,
			Lots:            lots,
			EarnLotsEnabled: cfg.EarnLotsEnabled,
			LedgerEnabled:   cfg.LedgerEnabled,
			Clock:           clock,
			Log:             log.With("component", "commit"),
			Metrics:         metrics,
		},
		Refund: &loyalty.RefundEngine{
			UoW:             store,
			Referrals:       referrals,
			Motivation:      loyalty.NopStaffMotivationService{},
			Tiers:           loyalty.NopTierResolver{},
			Lots:            lots,
			EarnLotsEnabled: cfg.EarnLotsEnabled,
			LedgerEnabled:   cfg.LedgerEnabled,
			Clock:           clock,
			Log:             log.With("component", "refund"),
			Metrics:         metrics,
		},
		Store:    store,
		Resolver: resolver,
		Clock:    clock,
		Log:      log.With("component", "api"),
	}

	scheduler := api.NewMaturationScheduler(&loyalty.MaturationEngine{
		UoW:           store,
		BatchSize:     cfg.Maturation.BatchSize,
		LedgerEnabled: cfg.LedgerEnabled,
		Clock:         clock,
		Log:           log.With("component", "maturation"),
		Metrics:       metrics,
	}, log.With("component", "scheduler"))
	scheduler.Expiry = &loyalty.ExpiryEngine{
		UoW:           store,
		BatchSize:     cfg.Maturation.BatchSize,
		LedgerEnabled: cfg.LedgerEnabled,
		Clock:         clock,
		Log:           log.With("component", "expiry"),
		Metrics:       metrics,
	}
	scheduler.CheckInterval = cfg.Maturation.Interval
	scheduler.Enabled = cfg.Maturation.Enabled && cfg.EarnLotsEnabled
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("server starting", "addr", cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
