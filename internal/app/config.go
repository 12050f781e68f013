package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ptsmanager/internal/mail"
	"ptsmanager/internal/observability"
)

type Config struct {
	DatabaseURL string
	JWTSecret   string

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	LoginRateAttempts int
	LoginRateWindow   time.Duration
	DevMode           bool
	BcryptCost        int

	Port      string
	AppEnv    string
	LogLevel  string
	SentryDSN string

	CORSAllowOrigins    []string
	AllowedEmailDomains []string
	APIRateLimit        int

	// TrustedProxies are the peers whose X-Forwarded-For is believed. Empty
	// means client addresses always come from the connection.
	TrustedProxies observability.TrustedProxies

	SMTP            mail.SMTPConfig
	FrontendBaseURL string

	CronSecret       string
	CleanupSchedule  string
	CleanupBatchSize int

	AdminEmail    string
	AdminPassword string
	AdminName     string

	DB DBConfig
}

type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads the process environment. DATABASE_URL and JWT_SECRET are
// required; everything else has a default.
func LoadConfig() (Config, error) {
	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return Config{}, err
	}

	trustedProxies, err := observability.ParseTrustedProxies(envListOrDefault("TRUSTED_PROXIES", nil))
	if err != nil {
		return Config{}, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}

	smtpUser := strings.TrimSpace(os.Getenv("SMTP_USER"))
	mailFrom := smtpUser
	if mailFrom == "" {
		mailFrom = "no-reply@example.com"
	}

	return Config{
		DatabaseURL: databaseURL,
		JWTSecret:   jwtSecret,

		AccessTokenTTL:    envSecondsOrDefault("ACCESS_TOKEN_TTL", 3600),
		RefreshTokenTTL:   envSecondsOrDefault("REFRESH_TOKEN_TTL", 1209600),
		LoginRateAttempts: envIntOrDefault("LOGIN_RATE_ATTEMPTS", 5),
		LoginRateWindow:   envSecondsOrDefault("LOGIN_RATE_WINDOW", 300),
		DevMode:           EnvBoolOrDefault("AUTH_DEV_MODE", false),
		BcryptCost:        envIntOrDefault("BCRYPT_COST", 10),

		Port:      envOrDefault("PORT", "8080"),
		AppEnv:    envOrDefault("APP_ENV", "development"),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		SentryDSN: strings.TrimSpace(os.Getenv("SENTRY_DSN")),

		CORSAllowOrigins:    envListOrDefault("CORS_ALLOW_ORIGINS", []string{"*"}),
		AllowedEmailDomains: envListOrDefault("ALLOWED_EMAIL_DOMAINS", nil),
		APIRateLimit:        envIntOrDefault("API_RATE_LIMIT_PER_MINUTE", 300),
		TrustedProxies:      trustedProxies,

		SMTP: mail.SMTPConfig{
			Host:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
			Port:     envIntOrDefault("SMTP_PORT", 587),
			Username: smtpUser,
			Password: os.Getenv("SMTP_PASS"),
			From:     envOrDefault("MAIL_FROM", mailFrom),
		},
		FrontendBaseURL: envOrDefault("FRONTEND_BASE_URL", "http://localhost:5173"),

		CronSecret:       strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupSchedule:  envOrDefault("CLEANUP_SCHEDULE", "@every 1h"),
		CleanupBatchSize: envIntOrDefault("CLEANUP_BATCH_SIZE", 500),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		AdminName:     strings.TrimSpace(os.Getenv("ADMIN_NAME")),

		DB: DBConfig{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		},
	}, nil
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

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
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
