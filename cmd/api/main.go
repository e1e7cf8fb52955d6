package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/dnxplataformas/crm-api/internal/app/migrate"
	"github.com/dnxplataformas/crm-api/internal/enrichment"
	"github.com/dnxplataformas/crm-api/internal/events"
	httpx "github.com/dnxplataformas/crm-api/internal/http"
	"github.com/dnxplataformas/crm-api/internal/repository/postgres"
	"github.com/dnxplataformas/crm-api/internal/service/auth"
	"github.com/dnxplataformas/crm-api/internal/service/consulta"
	"github.com/dnxplataformas/crm-api/internal/service/extraction"
	"github.com/dnxplataformas/crm-api/internal/service/funnel"
	"github.com/dnxplataformas/crm-api/internal/service/lead"
	"github.com/dnxplataformas/crm-api/internal/service/quota"
	"github.com/dnxplataformas/crm-api/internal/service/workspace"
	"github.com/dnxplataformas/crm-api/internal/ws"
	"github.com/dnxplataformas/crm-api/pkg/config"
	"github.com/dnxplataformas/crm-api/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPIConfig()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("api", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool, cfg.StoreTimeout)
	hub := ws.NewHub(cfg.BoardBuffer)

	var publisher events.Publisher = events.NoopPublisher{}
	if url := strings.TrimSpace(cfg.AMQPURL); url != "" {
		rabbit, err := events.NewRabbitPublisher(url, cfg.AMQPExchange, log)
		if err != nil {
			log.Warn("event broker unavailable, events disabled", "error", err)
		} else {
			publisher = rabbit
		}
	}
	defer publisher.Close()

	datecode := enrichment.NewDatecodeClient(cfg.DatecodeBaseURL, cfg.DatecodeAPIKey, cfg.VendorTimeout, cfg.VendorMaxRetries, log)
	profile := enrichment.NewProfileClient(cfg.ProfileBaseURL, cfg.ProfileAPIKey, cfg.VendorTimeout, cfg.VendorMaxRetries, log)
	evolution := enrichment.NewEvolutionClient(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.VendorTimeout, cfg.VendorMaxRetries, log)

	ledger := quota.New(repo, log)
	authSvc := auth.New(repo, repo, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, log)
	workspaceSvc := workspace.New(repo, ledger, log)
	funnelSvc := funnel.New(repo, repo, repo, hub, publisher, log)
	leadSvc := lead.New(repo, repo, repo, hub, publisher, evolution, cfg.EvolutionInstance, log)
	consultaSvc := consulta.New(repo, repo, ledger, datecode, log)
	extractionSvc := extraction.New(repo, repo, repo, repo, ledger, profile, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, workspaceSvc, funnelSvc, leadSvc, consultaSvc, extractionSvc, hub, limiter, cfg.AdminServiceToken, cfg.EvolutionWebhookSecret, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
