package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/deploygate/internal/app/migrate"
	httpx "github.com/splax/deploygate/internal/http"
	"github.com/splax/deploygate/internal/metrics"
	"github.com/splax/deploygate/internal/repository"
	"github.com/splax/deploygate/internal/repository/memory"
	"github.com/splax/deploygate/internal/repository/postgres"
	"github.com/splax/deploygate/internal/service/admission"
	"github.com/splax/deploygate/internal/service/application"
	"github.com/splax/deploygate/internal/service/approval"
	"github.com/splax/deploygate/internal/service/deploy"
	"github.com/splax/deploygate/internal/service/events"
	"github.com/splax/deploygate/internal/service/policy"
	"github.com/splax/deploygate/internal/service/rollback"
	"github.com/splax/deploygate/internal/service/sweeper"
	"github.com/splax/deploygate/internal/ws"
	"github.com/splax/deploygate/pkg/config"
	"github.com/splax/deploygate/pkg/logger"
)

// store is the persistence surface the API needs.
type store interface {
	repository.ApplicationRepository
	repository.QueueRepository
	repository.RollbackRepository
	repository.EventRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, dbHealth, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	hub := ws.NewHub(ctx, cfg.EventBuffer)
	journal := events.New(repo, hub, log)
	if addr := strings.TrimSpace(cfg.EventsRedisAddr); addr != "" {
		relay, err := events.NewRedisRelay(ctx, addr, cfg.EventsRedisPass, cfg.EventsRedisDB, cfg.EventsRedisChannel, hub, log)
		if err != nil {
			log.Warn("events relay unavailable", "error", err)
		} else {
			defer relay.Close()
			journal = journal.WithRelay(relay)
			go func() {
				if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("events relay stopped", "error", err)
				}
			}()
		}
	}

	rec := metrics.New(prometheus.DefaultRegisterer)

	approvalPolicy := policy.New()
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		approvalPolicy, err = policy.Load(path)
		if err != nil {
			log.Error("failed to load approval policy", "path", path, "error", err)
			os.Exit(1)
		}
		go reloadPolicyOnHangup(ctx, approvalPolicy, log)
	}

	applicationSvc := application.New(repo, log)
	admissionSvc := admission.New(repo, repo, approvalPolicy, journal, rec, log, admission.Options{
		RetryAfter:  cfg.QueueRetryAfter,
		BatchWindow: cfg.AdmissionBatchWindow,
	})
	rollbackSvc := rollback.New(repo, repo, admissionSvc, journal, rec, log, rollback.Options{AutoRollback: cfg.AutoRollback})
	deploySvc := deploy.New(repo, journal, rec, log, rollbackSvc)
	approvalSvc := approval.New(repo, journal, rec, log, rollbackSvc)

	if sweep := sweeper.New(rollbackSvc, approvalSvc, log, cfg); sweep != nil {
		go sweep.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	if cfg.ExecutorAuthToken == "" {
		log.Warn("EXECUTOR_AUTH_TOKEN is empty; executor endpoints will refuse every call")
	}

	router := httpx.NewRouter(log, httpx.Services{
		Applications: applicationSvc,
		Admission:    admissionSvc,
		Approval:     approvalSvc,
		Deploy:       deploySvc,
		Rollback:     rollbackSvc,
		Events:       journal,
	}, httpx.Options{
		JWTSecret:          cfg.JWTSecret,
		ExecutorToken:      cfg.ExecutorAuthToken,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Limiter:            limiter,
		DBHealth:           dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "environment", cfg.Environment)
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

func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StoreDriver)) {
	case "memory":
		log.Warn("using in-memory store; state is lost on restart")
		return memory.New(), nil, func() {}, nil
	case "postgres", "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("ping database: %w", err)
		}
		if cfg.AutoMigrate {
			runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
			if err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
			if err := runner.Ensure(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		return postgres.New(pool), pool.Ping, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func reloadPolicyOnHangup(ctx context.Context, svc *policy.Service, log *slog.Logger) {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			if err := svc.Reload(); err != nil {
				log.Error("approval policy reload failed; keeping previous policy", "error", err)
				continue
			}
			log.Info("approval policy reloaded")
		}
	}
}
