package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"chat-backend/internal/circuitbreaker"
	"chat-backend/internal/common/errors"
	"chat-backend/internal/redis"
)

// Backend selects where limit state lives
type Backend string

const (
	BackendLocal       Backend = "local"
	BackendDistributed Backend = "distributed"
)

// ParseBackend resolves a configuration string to a Backend
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendLocal, BackendDistributed:
		return b, nil
	default:
		return "", errors.ConfigError(fmt.Sprintf("unsupported limiter backend: %q", s))
	}
}

// FailurePolicy decides the result returned when storage is unreachable
type FailurePolicy string

const (
	// FailClosed denies hits and refuses slots
	FailClosed FailurePolicy = "closed"
	// FailOpen allows hits and grants unrecorded slots
	FailOpen FailurePolicy = "open"
)

// ParseFailurePolicy resolves a configuration string to a FailurePolicy.
// An empty string means FailClosed.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailClosed, nil
	case FailClosed, FailOpen:
		return p, nil
	default:
		return "", errors.ConfigError(fmt.Sprintf("unsupported failure policy: %q", s))
	}
}

const (
	DefaultKeyPrefix        = "chat:limits:"
	DefaultOperationTimeout = 250 * time.Millisecond
	DefaultCleanupInterval  = 5 * time.Minute
)

// Config represents limiter store configuration
type Config struct {
	Backend Backend `json:"backend" yaml:"backend"`

	// KeyPrefix namespaces every remote key owned by the stores
	KeyPrefix     string        `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	FailurePolicy FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`

	// OperationTimeout bounds a remote call when the caller's context has no deadline
	OperationTimeout time.Duration `json:"operation_timeout,omitempty" yaml:"operation_timeout,omitempty"`

	// Distributed backend settings
	Redis   redis.Config           `json:"redis" yaml:"redis"`
	Breaker *circuitbreaker.Config `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	// CleanupInterval is how often the local backend drops cold keys
	CleanupInterval time.Duration `json:"cleanup_interval,omitempty" yaml:"cleanup_interval,omitempty"`
}

// DefaultConfig returns a local, fail-closed configuration
func DefaultConfig() Config {
	return Config{
		Backend:          BackendLocal,
		KeyPrefix:        DefaultKeyPrefix,
		FailurePolicy:    FailClosed,
		OperationTimeout: DefaultOperationTimeout,
		CleanupInterval:  DefaultCleanupInterval,
	}
}

// Validate fills defaults and rejects unknown selectors
func (c *Config) Validate() error {
	backend, err := ParseBackend(string(c.Backend))
	if err != nil {
		return err
	}
	c.Backend = backend

	policy, err := ParseFailurePolicy(string(c.FailurePolicy))
	if err != nil {
		return err
	}
	c.FailurePolicy = policy

	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.OperationTimeout < 0 {
		return errors.ConfigError("operation timeout must not be negative")
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Breaker != nil {
		if err := c.Breaker.Validate(); err != nil {
			return errors.ConfigError(fmt.Sprintf("invalid breaker config: %v", err))
		}
	}

	return nil
}
