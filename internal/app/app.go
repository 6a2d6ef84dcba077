package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/docsync"
	"github.com/xenking/ordersync/internal/domain/journal"
	"github.com/xenking/ordersync/internal/handler"
	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/internal/storage/postgres"
	"github.com/xenking/ordersync/internal/storefront"
	"github.com/xenking/ordersync/internal/target/bridge"
	"github.com/xenking/ordersync/pkg/health"
	"github.com/xenking/ordersync/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the session
// watchdog, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	journalRepo := postgres.NewJournalRepository(pool)

	seen := journal.NewSeenFilter(journalRepo)
	n, err := seen.Warm(ctx)
	if err != nil {
		return errors.Wrap(err, "warm journal filter")
	}
	lg.Info("Journal filter warmed", zap.Int("orders", n))

	// Target system session.
	connector := bridge.New(cfg.Target.URL, cfg.Target.Timeout, bridge.WithLogger(lg.Named("bridge")))
	sessions := session.NewManager(connector, cfg,
		session.WithLogger(lg.Named("session")),
		session.WithCheckInterval(cfg.Session.CheckInterval),
		session.WithMeterProvider(m.MeterProvider()),
	)
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		if err := sessions.Run(ctx); err != nil {
			lg.Error("Session watchdog stopped", zap.Error(err))
		}
	}()

	// Domain services.
	orders := storefront.New(cfg.Storefront.URL, cfg.Storefront.Token, cfg.Storefront.Timeout,
		storefront.WithPageSize(cfg.Storefront.PageSize),
		storefront.WithLogger(lg.Named("storefront")),
	)
	syncer := docsync.NewService(pricing.NewPlanner(cfg.FeeCatalog()), sessions,
		docsync.WithJournal(seen),
		docsync.WithLogger(lg.Named("docsync")),
		docsync.WithTracerProvider(m.TracerProvider()),
		docsync.WithMeterProvider(m.MeterProvider()),
	)

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("session_watchdog", time.Second, health.LoopCheck("session watchdog", sessions.Running))
	healthSvc.AddInfoCheck("session", time.Second, health.StateCheck(func() (bool, string) {
		if sessions.IsActive() {
			return true, ""
		}
		return false, "no active session"
	}))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.NewHandler(handler.HandlerConfig{}, orders, syncer, sessions, journalRepo, seen, lg.Named("api"))
	securityHandler := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("GET /readyz", healthSvc.ReadyEndpoint)
	h.Register(mux, securityHandler)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	limiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{
		Max:    cfg.RateLimit.Max,
		Window: cfg.RateLimit.Window,
	})
	go limiter.Run(ctx)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// No write timeout: /api/session/events is a long-lived stream and
		// sync requests wait on the target system.
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader},
				ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimit(limiter),
			httpmiddleware.Instrument("ordersync", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	// The watchdog releases the session once ctx is done.
	<-watchdogDone
	return nil
}
