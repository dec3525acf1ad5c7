// Package app assembles the runtime: config from env, database pool,
// migrations, the auth service and its handlers, and the background
// sweepers.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"skillforge-auth/internal/audit"
	"skillforge-auth/internal/auth"
	"skillforge-auth/internal/db"
	"skillforge-auth/internal/maintenance"
	"skillforge-auth/internal/observability"
	"skillforge-auth/internal/ratelimit"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger("skillforge-auth")

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	environment := envOrDefault("APP_ENV", "development")
	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment, os.Getenv("RELEASE")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, jwtSecret, envOrDefault("TOTP_ISSUER", "SkillForge"))
	authService.WithSecurityConfig(
		envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		envMinutesOrDefault("TWO_FACTOR_SESSION_TTL_MINUTES", 10),
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 30),
	)
	authService.WithAuditSink(audit.NewLoggerSink(logger))

	production := environment == "production"
	authHandler := auth.NewHandler(authService, production)
	tokens := authService.Tokens()

	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	limiter := ratelimit.New()
	limitMax := envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10)
	limitWindow := envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60)
	limited := func(next http.HandlerFunc) http.Handler {
		return limiter.Middleware(limitMax, limitWindow, next)
	}

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	go limiter.Run(sweepCtx, time.Minute)
	go authService.Sessions().Run(sweepCtx, time.Minute)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/register", limited(authHandler.Register))
	mux.Handle("POST /auth/login", limited(authHandler.Login))
	mux.Handle("POST /auth/login/2fa", limited(authHandler.LoginTwoFactor))
	mux.Handle("POST /auth/2fa/recover", limited(authHandler.RecoverTwoFactor))
	mux.Handle("POST /auth/forgot-password", limited(authHandler.ForgotPassword))
	mux.HandleFunc("POST /auth/reset-password", authHandler.ResetPassword)
	mux.HandleFunc("GET /auth/password-requirements", authHandler.PasswordRequirements)
	mux.Handle("POST /auth/2fa/enable", auth.Middleware(tokens, true, http.HandlerFunc(authHandler.EnableTwoFactor)))
	mux.Handle("POST /auth/2fa/verify", auth.Middleware(tokens, true, http.HandlerFunc(authHandler.VerifyTwoFactor)))
	mux.Handle("POST /auth/2fa/disable", auth.Middleware(tokens, true, http.HandlerFunc(authHandler.DisableTwoFactor)))
	mux.Handle("POST /auth/change-password", auth.Middleware(tokens, false, http.HandlerFunc(authHandler.ChangePassword)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, clientIPContext(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			cancelSweeps()
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

// clientIPContext makes the originating IP available to the audit sink.
func clientIPContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := audit.ContextWithIP(r.Context(), ratelimit.ClientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
