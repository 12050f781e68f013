package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"

	"ptsmanager/internal/auth"
	"ptsmanager/internal/db"
	"ptsmanager/internal/httpx"
	"ptsmanager/internal/mail"
	"ptsmanager/internal/maintenance"
	"ptsmanager/internal/observability"
)

const requestTimeout = 30 * time.Second

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// RunScheduler starts the in-process cleanup cron. Serverless entry points
	// leave it off and rely on the cron-secret route.
	RunScheduler bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Port    string
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	authRepo := auth.NewRepository(database)
	limiter := auth.NewLoginRateLimiter(cfg.LoginRateAttempts, cfg.LoginRateWindow)
	codec := auth.NewTokenCodec([]byte(cfg.JWTSecret), cfg.AccessTokenTTL)
	authService := auth.NewService(authRepo, auth.NewHasher(cfg.BcryptCost), codec, limiter,
		auth.WithRefreshTTL(cfg.RefreshTokenTTL),
		auth.WithDevMode(cfg.DevMode),
		auth.WithMailer(mail.NewFromConfig(cfg.SMTP, cfg.FrontendBaseURL, logger)),
		auth.WithLogger(logger),
		auth.WithAllowedEmailDomains(cfg.AllowedEmailDomains),
	)
	gate := auth.NewGate(authRepo, codec, logger)

	if cfg.DevMode {
		logger.Warn("auth_dev_mode_enabled", map[string]any{"app_env": cfg.AppEnv})
	}

	if err := authService.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword, cfg.AdminName); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	cleanupTask := maintenance.NewTask(authRepo, limiter, logger, cfg.CleanupBatchSize)

	var scheduler *maintenance.Scheduler
	if options.RunScheduler {
		scheduler, err = maintenance.NewScheduler(cleanupTask, cfg.CleanupSchedule, logger)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
		scheduler.Start()
	}

	handler := NewRouter(RouterDeps{
		Config:  cfg,
		Logger:  logger,
		DB:      database,
		Auth:    auth.NewHandler(authService, gate, logger),
		Gate:    gate,
		Cleanup: maintenance.NewCleanupHandler(cleanupTask, logger, cfg.CronSecret),
	})

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Port:    cfg.Port,
		Close: func() error {
			if scheduler != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				scheduler.Stop(stopCtx)
				stop()
			}
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type RouterDeps struct {
	Config  Config
	Logger  *observability.Logger
	DB      pinger
	Auth    *auth.Handler
	Gate    *auth.Gate
	Cleanup *maintenance.CleanupHandler
}

func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Discard()
	}

	r := chi.NewRouter()
	r.Use(observability.RealIPMiddleware(deps.Config.TrustedProxies))
	r.Use(observability.RequestIDMiddleware)
	r.Use(func(next http.Handler) http.Handler { return observability.RecoverMiddleware(logger, next) })
	r.Use(func(next http.Handler) http.Handler { return observability.RequestLoggingMiddleware(logger, next) })
	r.Use(observability.MetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", observability.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After", observability.RequestIDHeader},
		AllowCredentials: !allowsAnyOrigin(deps.Config.CORSAllowOrigins),
		MaxAge:           300,
	}))
	r.Use(chimw.Timeout(requestTimeout))

	r.Get("/health", healthHandler(deps.DB))
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/internal/maintenance/cleanup", deps.Cleanup.Handle)
	r.Post("/internal/maintenance/cleanup", deps.Cleanup.Handle)

	r.Route("/api", func(r chi.Router) {
		if deps.Config.APIRateLimit > 0 {
			r.Use(httprate.LimitByIP(deps.Config.APIRateLimit, time.Minute))
		}

		deps.Auth.Routes(r)

		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.Gate.RequireRole(auth.RoleAdmin))
			r.Post("/maintenance/cleanup", deps.Cleanup.HandleAdmin)
		})
	})

	return r
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		httpx.WriteJSON(w, status, body)
	}
}
