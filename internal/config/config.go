// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCHealthPort string // empty disables the gRPC health listener
	FrontendURL    string
	UserIDHeader   string
	MetricsEnabled bool
	Store          StoreConfig
	Research       ResearchConfig
	RateLimit      RateLimitConfig
	Log            LogConfig
}

// StoreConfig selects and addresses the research store.
type StoreConfig struct {
	Driver        string
	DBPath        string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ResearchConfig controls research code issuance.
type ResearchConfig struct {
	CodePrefix  string
	CodeLength  int
	MaxAttempts int
	Personas    []string
}

// RateLimitConfig bounds per-user request rates on the research endpoints.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level    string
	HashSalt string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", "9090"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		UserIDHeader:   getEnv("USER_ID_HEADER", "X-Authenticated-User"),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		Store: StoreConfig{
			Driver:        strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			DBPath:        getEnv("DB_PATH", "./data/research.db"),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "research:"),
		},
		Research: ResearchConfig{
			CodePrefix:  getEnv("RESEARCH_CODE_PREFIX", "RES"),
			CodeLength:  getEnvInt("RESEARCH_CODE_LENGTH", 6),
			MaxAttempts: getEnvInt("RESEARCH_CODE_MAX_ATTEMPTS", 10),
			Personas:    getEnvList("RESEARCH_PERSONAS", []string{"jamie", "alex", "morgan", "priya"}),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", "info"),
			HashSalt: getEnv("LOG_HASH_SALT", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.UserIDHeader == "" {
		return fmt.Errorf("USER_ID_HEADER cannot be empty")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis driver")
		}
	default:
		return fmt.Errorf("STORE_DRIVER %q is not one of sqlite, postgres, redis", c.Store.Driver)
	}
	if c.Research.MaxAttempts <= 0 {
		return fmt.Errorf("RESEARCH_CODE_MAX_ATTEMPTS must be > 0")
	}
	if len(c.Research.Personas) == 0 {
		return fmt.Errorf("RESEARCH_PERSONAS cannot be empty")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
