package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage engines.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	Storage        string        `mapstructure:"STORAGE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AdminAPIKey    string        `mapstructure:"ADMIN_API_KEY"`
	AdminJWTSecret string        `mapstructure:"ADMIN_JWT_SECRET"`
	AdminJWTTTL    time.Duration `mapstructure:"ADMIN_JWT_TTL"`
	PublicBaseURL  string        `mapstructure:"PUBLIC_BASE_URL"`
	ResendAPIKey   string        `mapstructure:"RESEND_API_KEY"`
	EmailFrom      string        `mapstructure:"EMAIL_FROM"`
	EmailTimeout   time.Duration `mapstructure:"EMAIL_TIMEOUT"`
	EmailWait      time.Duration `mapstructure:"EMAIL_WAIT"`
	MetricsEnabled bool          `mapstructure:"METRICS_ENABLED"`
	PracticeName   string        `mapstructure:"PRACTICE_NAME"`
	Timezone       string        `mapstructure:"TIMEZONE"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
	"ADMIN_API_KEY", "ADMIN_JWT_SECRET", "ADMIN_JWT_TTL",
	"PUBLIC_BASE_URL", "RESEND_API_KEY", "EMAIL_FROM", "EMAIL_TIMEOUT", "EMAIL_WAIT",
	"METRICS_ENABLED", "PRACTICE_NAME", "TIMEZONE", "BODY_LIMIT", "REQUEST_TIMEOUT",
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StoragePostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ADMIN_JWT_TTL", "12h")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:3000")
	v.SetDefault("EMAIL_FROM", "Praxis <noreply@example.org>")
	v.SetDefault("EMAIL_TIMEOUT", "15s")
	v.SetDefault("EMAIL_WAIT", "3s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("PRACTICE_NAME", "Schlafmedizinische Praxis")
	v.SetDefault("TIMEZONE", "Europe/Berlin")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AdminAuthConfigured reports whether an admin credential is set.
func (c *Config) AdminAuthConfigured() bool {
	return c.AdminAPIKey != "" || c.AdminJWTSecret != ""
}

// Location resolves TIMEZONE for formatting dates shown to staff.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is %q", StoragePostgres)
		}
	case StorageMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORAGE=%q loses all sessions on restart and is not allowed in production", StorageMemory)
		}
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StoragePostgres, StorageMemory, c.Storage)
	}

	if !c.IsDev() && !c.AdminAuthConfigured() {
		return fmt.Errorf("ADMIN_API_KEY or ADMIN_JWT_SECRET must be set outside development (ENV=%q)", c.Env)
	}
	if c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < 32 {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least 32 characters")
	}
	if c.AdminJWTTTL <= 0 {
		return fmt.Errorf("ADMIN_JWT_TTL must be positive")
	}
	if c.EmailTimeout <= 0 || c.EmailWait < 0 {
		return fmt.Errorf("EMAIL_TIMEOUT must be positive and EMAIL_WAIT not negative")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
