// Package config provides configuration management for the chat backend's
// limits service. It loads configuration from environment variables with
// sensible defaults and validates it so the service refuses to start with a
// limiter it cannot build.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Ops server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Limiter Configuration:
//   - LIMITER_BACKEND: "local" or "distributed" (default: local)
//   - LIMITER_KEY_PREFIX: Namespace for remote keys (default: chat:limits:)
//   - LIMITER_FAIL_POLICY: "closed" or "open" (default: closed)
//   - LIMITER_OPERATION_TIMEOUT: Bound for a single store call (default: 250ms)
//   - LIMITER_BREAKER_ENABLED: Guard remote calls with a circuit breaker (default: false)
//
// Redis Configuration (required when LIMITER_BACKEND=distributed):
//   - REDIS_ADDRESS: Redis server address, no default
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the limits service. Numeric and
// duration settings are kept as raw strings and converted by the accessor
// methods once Validate has passed.
type Config struct {
	// Application settings
	Port     string // Ops server port number
	LogLevel string // Logging level (debug, info, warn, error)

	// Limiter settings
	LimiterBackend          string // "local" or "distributed"
	LimiterKeyPrefix        string // Prefix for every remote key
	LimiterFailPolicy       string // "closed" or "open"
	LimiterOperationTimeout string // Duration string, e.g. "250ms"
	LimiterBreakerEnabled   bool   // Whether remote calls go through a breaker

	// Redis configuration for the distributed backend
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size
}

// Load creates a new Config instance with values loaded from environment
// variables. If a variable is not set, the corresponding default is used.
//
// Load does not validate; call Validate on the result before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LimiterBackend:          getEnv("LIMITER_BACKEND", "local"),
		LimiterKeyPrefix:        getEnv("LIMITER_KEY_PREFIX", "chat:limits:"),
		LimiterFailPolicy:       getEnv("LIMITER_FAIL_POLICY", "closed"),
		LimiterOperationTimeout: getEnv("LIMITER_OPERATION_TIMEOUT", "250ms"),
		LimiterBreakerEnabled:   getBoolEnv("LIMITER_BREAKER_ENABLED", false),

		// No default address: a distributed limiter must be pointed somewhere explicitly.
		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),
	}
}

// getEnv retrieves an environment variable value or returns a default value
// if it is not set or empty.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable value or returns a
// default value.
//
// This function accepts common boolean representations:
//   - "true", "1", "t", "TRUE", "True" -> true
//   - "false", "0", "f", "FALSE", "False" -> false
//   - Any other value or parsing error -> returns defaultValue
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Validate checks formats and cross-field dependencies.
//
// This method checks:
//   - Port range
//   - Log level, limiter backend and failure policy names
//   - Operation timeout format
//   - Redis settings when the distributed backend is selected
//
// Names are matched case-insensitively and stored back lowercased.
// Returns a descriptive error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	c.LogLevel = normalize(c.LogLevel)
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	c.LimiterBackend = normalize(c.LimiterBackend)
	switch c.LimiterBackend {
	case "local", "distributed":
	default:
		return fmt.Errorf("LIMITER_BACKEND must be 'local' or 'distributed', got %q", c.LimiterBackend)
	}

	c.LimiterFailPolicy = normalize(c.LimiterFailPolicy)
	switch c.LimiterFailPolicy {
	case "closed", "open":
	default:
		return fmt.Errorf("LIMITER_FAIL_POLICY must be 'closed' or 'open', got %q", c.LimiterFailPolicy)
	}

	if d, err := time.ParseDuration(c.LimiterOperationTimeout); err != nil || d < 0 {
		return fmt.Errorf("LIMITER_OPERATION_TIMEOUT must be a non-negative duration (e.g., '250ms')")
	}

	if c.LimiterBackend == "distributed" {
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when LIMITER_BACKEND is 'distributed'")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
			return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
		}
	}

	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// OperationTimeout returns the parsed per-call timeout, or zero if the raw
// value does not parse.
func (c *Config) OperationTimeout() time.Duration {
	d, _ := time.ParseDuration(c.LimiterOperationTimeout)
	return d
}

// RedisDBNumber returns the parsed Redis database number.
func (c *Config) RedisDBNumber() int {
	db, _ := strconv.Atoi(c.RedisDB)
	return db
}

// RedisPoolSizeNumber returns the parsed pool size.
func (c *Config) RedisPoolSizeNumber() int {
	size, _ := strconv.Atoi(c.RedisPoolSize)
	return size
}
