package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-capital/atlas-portal/internal/app"
	"github.com/atlas-capital/atlas-portal/internal/audit"
	audithttp "github.com/atlas-capital/atlas-portal/internal/audit/http"
	"github.com/atlas-capital/atlas-portal/internal/auth"
	"github.com/atlas-capital/atlas-portal/internal/observability"
	"github.com/atlas-capital/atlas-portal/internal/platform/cache"
	"github.com/atlas-capital/atlas-portal/internal/platform/db"
	"github.com/atlas-capital/atlas-portal/internal/rbac"
	"github.com/atlas-capital/atlas-portal/internal/session"
	"github.com/atlas-capital/atlas-portal/internal/token"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The grants cache degrades to direct repository reads when Redis
	// is unreachable, so a failed connect is not fatal.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, grants cache disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	tokenService := token.NewService(token.Config{
		AccessSecret:    cfg.JWTAccessSecret,
		RefreshSecret:   cfg.JWTRefreshSecret,
		AccessLifetime:  cfg.AccessTokenTTL,
		RefreshLifetime: cfg.RefreshTokenTTL,
		Issuer:          cfg.TokenIssuer,
	})

	auditEmitter := audit.NewEmitter(audit.NewRecorder(pool), logger)
	auditService := audit.NewService(audit.NewRecorder(pool))

	rbacRepo := rbac.NewRepository(pool)
	resolver := rbac.NewResolver(rbacRepo, redisClient, cfg.GrantsCacheTTL, logger)
	rbacService := rbac.NewService(rbacRepo, resolver, auditEmitter)

	userRepo := auth.NewRepository(pool)
	sessionRepo := session.NewRepository(pool)
	authService := auth.NewService(userRepo, sessionRepo, tokenService, rbacService, auditEmitter, logger)

	guard := rbac.Guard{
		Tokens:     tokenService,
		Principals: authService,
		Resolver:   resolver,
		Logger:     logger,
	}

	metrics := observability.NewMetrics()
	authHandler := auth.NewHandler(logger, authService, guard)
	rbacHandler := rbac.NewHandler(logger, rbacService, guard)
	auditHandler := audithttp.NewHandler(logger, auditService, guard)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthHandler:  authHandler,
		RBACHandler:  rbacHandler,
		AuditHandler: auditHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
