// Command entitlementsd runs the subscription reconciliation engine: the
// webhook delivery endpoint, the scheduled ledger rollover sweep, and the
// health and metrics surfaces.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/billing/stripe"
	"github.com/seekwell/entitlements/pkg/config"
	"github.com/seekwell/entitlements/pkg/entitlements"
	zlog "github.com/seekwell/entitlements/pkg/entitlements/logger/zerolog"
	prommetrics "github.com/seekwell/entitlements/pkg/entitlements/metrics/prometheus"
	"github.com/seekwell/entitlements/pkg/reconcile"
	"github.com/seekwell/entitlements/pkg/usage"
	"github.com/seekwell/entitlements/pkg/webhook"
	mongostore "github.com/seekwell/entitlements/storage/mongo"
	pgstore "github.com/seekwell/entitlements/storage/postgres"
	redisstore "github.com/seekwell/entitlements/storage/redis"
)

func main() {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		zl.Fatal().Err(err).Msg("configuration load failed")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zl = zl.Level(level)
	}
	logger := zlog.NewLogger(zl)

	if err := run(cfg, zl, logger); err != nil {
		zl.Fatal().Err(err).Msg("service exited with error")
	}
}

func run(cfg *config.Config, zl zerolog.Logger, logger entitlements.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := prommetrics.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)

	pg, err := pgstore.New(ctx, pgstore.DefaultConfig(cfg.PostgresURL))
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}

	mongoClient, err := mongostore.Connect(ctx, mongostore.Config{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Close(context.Background()) }()

	redisCfg := redisstore.DefaultConfig(cfg.RedisAddr)
	redisCfg.Password = cfg.RedisPassword
	redisCfg.DB = cfg.RedisDB
	weeklyStore, err := redisstore.New(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = weeklyStore.Close() }()

	catalog := pgstore.NewCatalog(pg)
	if err := seedCatalogIfEmpty(ctx, catalog, zl); err != nil {
		return err
	}

	gateway, err := stripe.New(stripe.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		HTTPTimeout:   cfg.StripeHTTPTimeout,
	})
	if err != nil {
		return err
	}

	profiles := mongostore.NewProfileStore(mongoClient)
	searches := mongostore.NewSearchCounter(mongoClient)

	ledger, err := usage.NewLedger(usage.LedgerConfig{
		Store: pg, Catalog: catalog, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		return err
	}
	weekly, err := usage.NewWeeklyTracker(usage.WeeklyConfig{
		Store:       weeklyStore,
		WeekPolicy:  entitlements.WeekPolicy(cfg.WeekPolicy),
		BurstPolicy: entitlements.BurstPolicy(cfg.BurstPolicy),
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}
	slots, err := usage.NewSlotLimiter(usage.SlotConfig{
		Searches: searches, Profiles: profiles, Logger: logger, Metrics: metrics,
	})
	if err != nil {
		return err
	}

	svc, err := reconcile.New(reconcile.Config{
		Subscriptions:      pg,
		Profiles:           profiles,
		Payments:           pg,
		Gateway:            gateway,
		Catalog:            catalog,
		Ledger:             ledger,
		Weekly:             weekly,
		Slots:              slots,
		Logger:             logger,
		Metrics:            metrics,
		RefreshTimeout:     cfg.RefreshTimeout,
		CacheTTL:           cfg.SnapshotCacheTTL,
		CheckoutSuccessURL: cfg.CheckoutSuccessURL,
		CheckoutCancelURL:  cfg.CheckoutCancelURL,
		PortalReturnURL:    cfg.PortalReturnURL,
	})
	if err != nil {
		return err
	}

	processor, err := webhook.NewProcessor(webhook.Config{
		Events:        pg,
		Subscriptions: pg,
		Profiles:      profiles,
		Payments:      pg,
		Gateway:       gateway,
		Catalog:       catalog,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	endpoint, err := webhook.NewEndpoint(webhook.EndpointConfig{
		Processor:  processor,
		Gateway:    gateway,
		Logger:     logger,
		RateLimit:  cfg.WebhookRateLimit,
		RateWindow: cfg.WebhookRateWindow,
	})
	if err != nil {
		return err
	}

	sweeper, err := usage.NewRolloverSweeper(usage.SweeperConfig{
		Store:     pg,
		Retention: cfg.HistoryRetention,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	scheduler, err := usage.NewScheduler(sweeper, cfg.RolloverCron, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("POST /webhooks/billing", endpoint.Handler())
	mux.HandleFunc("GET /v1/users/{id}/subscription", func(w http.ResponseWriter, r *http.Request) {
		snap, err := svc.GetCurrentSubscription(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, snap)
	})
	mux.HandleFunc("POST /v1/users/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		rec, err := svc.SyncFromProvider(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pg.Ping(checkCtx); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := mongoClient.Ping(checkCtx); err != nil {
			http.Error(w, "mongo unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := weeklyStore.Ping(checkCtx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	zl.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		zl.Warn().Err(err).Msg("scheduler did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, entitlements.ErrSubscriptionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, billing.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, entitlements.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// seedCatalogIfEmpty writes the built-in plans on first boot so a fresh
// database serves sane limits before admin tooling populates the table.
func seedCatalogIfEmpty(ctx context.Context, catalog *pgstore.Catalog, zl zerolog.Logger) error {
	plans, err := catalog.Plans(ctx)
	if err != nil {
		return err
	}
	if len(plans) > 0 {
		return nil
	}
	zl.Info().Msg("plan catalog empty, seeding defaults")
	return catalog.Seed(ctx, entitlements.DefaultPlans())
}
