package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// MinJWTSecretLength is the length below which the signing secret is considered weak.
const MinJWTSecretLength = 32

// Config holds the application configuration
type Config struct {
	Port       string `env:"PORT" envDefault:"8080"`
	Env        string `env:"APP_ENV" envDefault:"development"`
	AppBaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string `env:"REDIS_URL,required,notEmpty"`

	JWTSecret       string        `env:"JWT_SECRET,required,notEmpty"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
	SessionTTL      time.Duration `env:"SESSION_TTL"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	BcryptCost      int           `env:"BCRYPT_COST" envDefault:"12"`

	OTPSalt    string `env:"OTP_SALT,required,notEmpty"`
	OTPDevMode bool   `env:"OTP_DEV_MODE" envDefault:"false"`

	RefreshReuseRevokeAll bool `env:"REFRESH_REUSE_REVOKE_ALL" envDefault:"false"`

	AuditCapacity    int      `env:"AUDIT_CAPACITY" envDefault:"1000"`
	AuditKafkaBroker []string `env:"AUDIT_KAFKA_BROKERS" envSeparator:","`
	AuditKafkaTopic  string   `env:"AUDIT_KAFKA_TOPIC" envDefault:"inkpad-auth-audit"`

	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" envDefault:"redis"`
	LoginLimit       int           `env:"RATE_LIMIT_LOGIN" envDefault:"10"`
	RefreshLimit     int           `env:"RATE_LIMIT_REFRESH" envDefault:"30"`
	CodeLimit        int           `env:"RATE_LIMIT_CODE" envDefault:"5"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15m"`
}

// IsProduction reports whether the service runs with production cookie and dev-mode rules.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if u, err := url.Parse(cfg.DatabaseURL); err == nil {
		slog.Info("config loaded",
			"env", cfg.Env,
			"port", cfg.Port,
			"db_host", u.Hostname(),
			"db_name", strings.TrimPrefix(u.Path, "/"),
			"rate_limit_backend", cfg.RateLimitBackend,
		)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET must not be blank")
	}
	if len(c.JWTSecret) < MinJWTSecretLength {
		slog.Warn("JWT_SECRET is shorter than recommended", "length", len(c.JWTSecret), "minimum", MinJWTSecretLength)
	}

	if c.OTPDevMode && c.IsProduction() {
		return errors.New("config: OTP_DEV_MODE must not be true when APP_ENV=production")
	}

	if c.AccessTokenTTL <= 0 {
		return errors.New("config: ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL <= 0 {
		return errors.New("config: REFRESH_TOKEN_TTL must be positive")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = c.AccessTokenTTL
	}
	if c.SessionTTL < c.AccessTokenTTL {
		slog.Warn("SESSION_TTL is shorter than ACCESS_TOKEN_TTL; sessions end before their tokens expire",
			"session_ttl", c.SessionTTL, "access_token_ttl", c.AccessTokenTTL)
	}

	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.AuditCapacity <= 0 {
		return errors.New("config: AUDIT_CAPACITY must be positive")
	}

	switch c.RateLimitBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: RATE_LIMIT_BACKEND must be redis or memory, got %q", c.RateLimitBackend)
	}
	if c.LoginLimit <= 0 || c.RefreshLimit <= 0 || c.CodeLimit <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("config: rate limits and window must be positive")
	}

	return nil
}
