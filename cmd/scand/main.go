package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/entryline/gatescan/internal/cache"
	"github.com/entryline/gatescan/internal/handlers"
	"github.com/entryline/gatescan/internal/notify"
	"github.com/entryline/gatescan/internal/queue"
	"github.com/entryline/gatescan/internal/store"
	"github.com/entryline/gatescan/internal/syncer"
	"github.com/entryline/gatescan/internal/verify"
	"github.com/entryline/gatescan/pkg/config"
	"github.com/entryline/gatescan/pkg/database"
	"github.com/entryline/gatescan/pkg/events"
	"github.com/entryline/gatescan/pkg/logger"
	mw "github.com/entryline/gatescan/pkg/middleware"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The durable scan log must be available before anything else: without
	// it the device cannot take provisional accepts at all.
	scanLog, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		logger.Error("Failed to open scan queue", "error", err, "path", cfg.Queue.Path)
		os.Exit(1)
	}
	defer scanLog.Close()

	// The pool connects lazily; a dead venue network at startup is the
	// normal offline case, not a boot failure.
	pool, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MinConns, cfg.Database.MaxConns, cfg.Database.MaxLifetime)
	if err != nil {
		logger.Error("Invalid ticket store configuration", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, pool); err != nil {
			logger.Error("Failed to migrate ticket schema", "error", err)
			os.Exit(1)
		}
	}

	ticketStore := store.NewPostgresStore(pool)

	var ticketCache cache.TicketCache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
		if err != nil {
			logger.Error("Failed to configure redis cache", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		ticketCache = rc
	} else {
		ticketCache = cache.NewMemoryCache(cfg.Redis.CacheTTL)
	}

	audit, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	var notifier notify.Notifier = notify.DevNotifier{}
	if !cfg.Email.DevMode {
		notifier = notify.NewMailNotifier(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.FromEmail, cfg.Email.OpsEmail)
	}

	engine := verify.NewEngine(ticketStore, scanLog, ticketCache, audit, cfg.Database.CallTimeout)

	reconciler := syncer.New(scanLog, ticketStore, audit, notifier, syncer.Options{
		BatchSize:  cfg.Queue.BatchSize,
		Interval:   cfg.Sync.Interval,
		BackoffMin: cfg.Sync.BackoffMin,
		BackoffMax: cfg.Sync.BackoffMax,
	})

	h := handlers.New(engine, scanLog, reconciler, audit, cfg.Auth.JWTSecret)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("scand"))
	r.Use(mw.Logging)
	r.Use(mw.Health)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(h.RequireDeviceToken)
		r.Post("/scan", h.Scan)
		r.Get("/attempts", h.ListAttempts)
		r.Post("/attempts/{attemptID}/resolve", h.ResolveAttempt)
		r.Get("/queue/status", h.QueueStatus)
		r.Post("/sync", h.TriggerSync)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Scan daemon listening", "port", cfg.Server.Port, "queue", cfg.Queue.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := reconciler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down scan daemon...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Scan daemon exited with error", "error", err)
		os.Exit(1)
	}
}
