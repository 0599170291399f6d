// Package config reads server configuration from the environment.
//
// cmd/server loads a .env file first (godotenv), so every value below can
// come from either the process environment or that file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	App         AppConfig
	Store       StoreConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Circulation CirculationConfig
}

type AppConfig struct {
	Environment string // development, staging, production
	LogLevel    string
	Port        int
}

type StoreConfig struct {
	Driver      string // memory, sqlite, postgres
	SQLitePath  string
	DatabaseURL string
}

type RedisConfig struct {
	Addr     string // empty = in-process idempotency keys
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type CirculationConfig struct {
	LoanPeriodDays       int
	RenewalPeriodDays    int
	MaxCASAttempts       int
	MatcherMaxScans      int
	IdempotencyTTL       time.Duration
	OverdueSweepInterval time.Duration
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			Port:        getEnvInt("PORT", 8080),
		},
		Store: StoreConfig{
			Driver:      getEnv("STORE_DRIVER", "sqlite"),
			SQLitePath:  getEnv("SQLITE_PATH", "circulation.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", defaultJWTSecret),
		},
		Circulation: CirculationConfig{
			LoanPeriodDays:       getEnvInt("LOAN_PERIOD_DAYS", 21),
			RenewalPeriodDays:    getEnvInt("RENEWAL_PERIOD_DAYS", 21),
			MaxCASAttempts:       getEnvInt("MAX_CAS_ATTEMPTS", 3),
			MatcherMaxScans:      getEnvInt("MATCHER_MAX_SCANS", 3),
			IdempotencyTTL:       getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			OverdueSweepInterval: getEnvDuration("OVERDUE_SWEEP_INTERVAL", time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	err := validation.Errors{
		"app": validation.ValidateStruct(&c.App,
			validation.Field(&c.App.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		),
		"store": validation.ValidateStruct(&c.Store,
			validation.Field(&c.Store.Driver, validation.Required, validation.In("memory", "sqlite", "postgres")),
			validation.Field(&c.Store.SQLitePath, validation.When(c.Store.Driver == "sqlite", validation.Required)),
			validation.Field(&c.Store.DatabaseURL, validation.When(c.Store.Driver == "postgres", validation.Required)),
		),
		"circulation": validation.ValidateStruct(&c.Circulation,
			validation.Field(&c.Circulation.LoanPeriodDays, validation.Required, validation.Min(1)),
			validation.Field(&c.Circulation.RenewalPeriodDays, validation.Required, validation.Min(1)),
			validation.Field(&c.Circulation.MaxCASAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Circulation.MatcherMaxScans, validation.Required, validation.Min(1)),
			validation.Field(&c.Circulation.IdempotencyTTL, validation.Required),
			validation.Field(&c.Circulation.OverdueSweepInterval, validation.Required),
		),
	}.Filter()
	if err != nil {
		return err
	}

	if c.App.Environment == "production" && c.JWT.Secret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
