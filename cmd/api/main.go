package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/inkpad/server/internal/audit"
	"github.com/inkpad/server/internal/auth"
	"github.com/inkpad/server/internal/cache"
	"github.com/inkpad/server/internal/config"
	"github.com/inkpad/server/internal/db"
	httphandler "github.com/inkpad/server/internal/http"
	"github.com/inkpad/server/internal/http/handlers"
	"github.com/inkpad/server/internal/logx"
	"github.com/inkpad/server/internal/mail"
	"github.com/inkpad/server/internal/middleware"
	"github.com/inkpad/server/internal/repo"
	"github.com/inkpad/server/internal/session"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	logger := logx.Setup(os.Stdout, os.Getenv("LOG_LEVEL"))

	if err := run(logger); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Create context for startup operations
	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		return err
	}

	rdb, err := cache.Open(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Audit trail
	sinks := []audit.Sink{
		audit.NewRingBuffer(cfg.AuditCapacity),
		audit.NewSlogSink(logger, slog.LevelInfo),
	}
	if len(cfg.AuditKafkaBroker) > 0 {
		kafkaSink := audit.NewKafkaSink(cfg.AuditKafkaBroker, cfg.AuditKafkaTopic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		slog.Info("audit events forwarded to kafka", "topic", cfg.AuditKafkaTopic)
	}
	recorder := audit.NewLogger(audit.NewAlertSink(logger), sinks...)

	// Repositories
	userRepo := repo.NewUserRepo(database)
	refreshRepo := repo.NewRefreshRepo(database)
	codeRepo := repo.NewCodeRepo(database)
	resetRepo := repo.NewResetTokenRepo(database)
	registry := session.NewRedisRegistry(rdb)

	// Auth services
	jwtService, err := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		return err
	}
	hasher, err := auth.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return err
	}
	codeService := auth.NewCodeService(codeRepo, cfg.OTPSalt, cfg.OTPDevMode)
	authService := auth.NewAuthService(
		auth.Settings{
			SessionTTL:       cfg.SessionTTL,
			RefreshTTL:       cfg.RefreshTokenTTL,
			RevokeAllOnReuse: cfg.RefreshReuseRevokeAll,
			BaseURL:          cfg.AppBaseURL,
			DevMode:          cfg.OTPDevMode,
		},
		jwtService,
		hasher,
		codeService,
		userRepo,
		refreshRepo,
		resetRepo,
		registry,
		mail.NewLogMailer(logger),
		recorder,
	)
	authenticator := middleware.NewAuthenticator(jwtService, registry, userRepo, recorder)

	var limiter middleware.Limiter
	switch cfg.RateLimitBackend {
	case "memory":
		memLimiter := middleware.NewMemoryLimiter(time.Minute)
		defer memLimiter.Close()
		limiter = memLimiter
	default:
		limiter = middleware.NewRedisLimiter(rdb)
	}

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, handlers.NewCookieConfig(cfg.IsProduction(), cfg.RefreshTokenTTL))
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Check{
		"postgres": database.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	router := httphandler.NewRouter(authHandler, healthHandler, authenticator, limiter, httphandler.RateLimits{
		Login:   middleware.Policy{Name: "login", Limit: cfg.LoginLimit, Window: cfg.RateLimitWindow},
		Refresh: middleware.Policy{Name: "refresh", Limit: cfg.RefreshLimit, Window: cfg.RateLimitWindow},
		Code:    middleware.Policy{Name: "code", Limit: cfg.CodeLimit, Window: cfg.RateLimitWindow},
	})

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("server exited")
	return nil
}
