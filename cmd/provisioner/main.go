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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/suhlabs/provisioner/internal/adapter/cloudflare"
	"github.com/suhlabs/provisioner/internal/adapter/directory"
	"github.com/suhlabs/provisioner/internal/adapter/email"
	provhttp "github.com/suhlabs/provisioner/internal/adapter/http"
	"github.com/suhlabs/provisioner/internal/adapter/kube"
	provnats "github.com/suhlabs/provisioner/internal/adapter/nats"
	"github.com/suhlabs/provisioner/internal/adapter/ollama"
	"github.com/suhlabs/provisioner/internal/adapter/otel"
	"github.com/suhlabs/provisioner/internal/adapter/postgres"
	"github.com/suhlabs/provisioner/internal/adapter/ristretto"
	"github.com/suhlabs/provisioner/internal/adapter/webhook"
	"github.com/suhlabs/provisioner/internal/config"
	"github.com/suhlabs/provisioner/internal/logger"
	"github.com/suhlabs/provisioner/internal/middleware"
	"github.com/suhlabs/provisioner/internal/port/notifier"
	"github.com/suhlabs/provisioner/internal/resilience"
	"github.com/suhlabs/provisioner/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded", "port", cfg.Server.Port, "log_level", cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	otelShutdown, err := otel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := provnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()
	log.Info("nats connected")

	intentCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- External connectors ---

	semantic := ollama.NewClassifier(cfg.Ollama)
	reg := cloudflare.New(cfg.Cloudflare)
	executor, err := kube.New(cfg.Kube, log)
	if err != nil {
		return fmt.Errorf("kube: %w", err)
	}
	notifiers := []notifier.Notifier{
		email.NewNotifier(cfg.SMTP),
		webhook.NewNotifier(cfg.Webhook.URL),
	}
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	// --- Services ---

	store := postgres.NewStore(pool)
	sessions := service.NewSessions(store, cfg.Session, log)
	classifier := service.NewClassifier(semantic, intentCache, cfg.Classifier, log)
	gate := service.NewGate(store, log)
	quota := service.NewQuota(store, log)
	domains := service.NewDomains(reg, breaker, cfg.Orchestrator, log)
	approvals := service.NewApprovals(store, queue, notifiers, quota, cfg.Approval, log)
	orch := service.NewOrchestrator(store, queue, reg, executor, notifiers, quota, metrics, cfg.Orchestrator, log)
	users, err := directory.Load(cfg.Identity.UsersFile)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	onboarding := service.NewOnboarding(sessions, classifier, gate, quota, domains, approvals, orch,
		users, store, metrics, log)
	storage := service.NewStorage(store, executor, log)

	// Background housekeeping and out-of-band approval decisions.
	go sessions.StartSweeper(ctx)
	go approvals.StartSweeper(ctx)
	cancelResolutions, err := approvals.SubscribeResolutions(ctx)
	if err != nil {
		return fmt.Errorf("approval subscriber: %w", err)
	}
	defer cancelResolutions()

	// Pick up runs interrupted by the previous shutdown or crash.
	resumed, err := orch.RecoverRuns(ctx)
	if err != nil {
		return fmt.Errorf("recover runs: %w", err)
	}
	if resumed > 0 {
		log.Info("resumed interrupted runs", "count", resumed)
	}

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Timeout(cfg.Server.WriteTimeout))

	provhttp.MountRoutes(r, provhttp.NewHandlers(onboarding, approvals, storage))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	// Cancel in-flight workflows so compensation checkpoints are durable,
	// then let the queue flush pending events.
	orch.Shutdown()
	if err := queue.Drain(); err != nil {
		log.Error("queue drain", "error", err)
	}
	return nil
}
