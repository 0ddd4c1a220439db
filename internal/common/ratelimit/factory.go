package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"chat-backend/internal/circuitbreaker"
	"chat-backend/internal/common/errors"
	"chat-backend/internal/common/logging"
	"chat-backend/internal/redis"
)

type options struct {
	base        logging.Logger
	logger      logging.Logger
	metrics     *Metrics
	registerer  prometheus.Registerer
	now         func() time.Time
	redisClient *redis.Client
}

// Option configures the stores built by New and the store constructors
type Option func(*options)

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records into an existing Metrics instead of building one
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithRegisterer registers the store collectors with reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithClock replaces the process clock. The distributed backend only uses
// it for results that never reach Redis.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRedisClient makes the distributed backend use client instead of
// building one from Config.Redis. The caller keeps ownership of client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.GetGlobalLogger()
	}
	o.base = o.logger
	o.logger = o.logger.WithFields(logging.String("component", "ratelimit"))
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Stores is the pair of limit stores for one backend
type Stores struct {
	RateLimit   RateLimitStore
	Concurrency ConcurrencyStore

	backend    Backend
	config     Config
	client     *redis.Client
	ownsClient bool

	localRate *LocalRateLimitStore
	localConc *LocalConcurrencyStore
}

// New builds a rate limit store and a concurrency store of the configured
// backend. Unknown backends and a distributed backend without a Redis
// address are configuration errors. No network call is made here; use
// Health to check connectivity.
func New(config Config, opts ...Option) (*Stores, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	if o.metrics == nil {
		o.metrics = NewMetrics(o.registerer)
	}

	switch config.Backend {
	case BackendLocal:
		localRate := newLocalRateLimitStore(config, o)
		localConc := newLocalConcurrencyStore(config, o)
		o.logger.Info("Limit stores ready", logging.String("backend", string(BackendLocal)))
		return &Stores{
			RateLimit:   localRate,
			Concurrency: localConc,
			backend:     BackendLocal,
			config:      config,
			localRate:   localRate,
			localConc:   localConc,
		}, nil

	case BackendDistributed:
		client := o.redisClient
		owns := false
		if client == nil {
			if config.Redis.Address == "" {
				return nil, errors.ConfigError("redis address is required for the distributed limiter backend")
			}

			clientOpts := []redis.Option{redis.WithLogger(o.base)}
			if config.Breaker != nil {
				clientOpts = append(clientOpts, redis.WithBreaker(
					circuitbreaker.New("limits-redis", *config.Breaker, o.base),
				))
			}

			redisConfig := config.Redis
			var err error
			client, err = redis.NewClient(&redisConfig, clientOpts...)
			if err != nil {
				return nil, err
			}
			owns = true
		}

		if o.registerer != nil {
			promauto.With(o.registerer).NewCounterFunc(
				prometheus.CounterOpts{
					Name: "chat_limits_script_reloads_total",
					Help: "Scripts re-loaded after Redis reported NOSCRIPT",
				},
				func() float64 { return float64(client.ScriptReloads()) },
			)
		}

		o.logger.Info("Limit stores ready",
			logging.String("backend", string(BackendDistributed)),
			logging.String("address", client.Address()),
			logging.String("key_prefix", config.KeyPrefix),
			logging.String("failure_policy", string(config.FailurePolicy)),
			logging.Duration("operation_timeout", config.OperationTimeout),
			logging.Bool("breaker", config.Breaker != nil),
		)
		return &Stores{
			RateLimit:   &DistributedRateLimitStore{remote: newRemote(client, config, o, "rate_limit")},
			Concurrency: &DistributedConcurrencyStore{remote: newRemote(client, config, o, "concurrency")},
			backend:     BackendDistributed,
			config:      config,
			client:      client,
			ownsClient:  owns,
		}, nil

	default:
		return nil, errors.ConfigError("unsupported limiter backend: " + string(config.Backend))
	}
}

// Backend returns the backend the stores were built for
func (s *Stores) Backend() Backend {
	return s.backend
}

// Health reports whether the backing storage is reachable.
// The local backend is always healthy.
func (s *Stores) Health(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Health(ctx); err != nil {
		return storageError("health", err)
	}
	return nil
}

// Close releases the Redis client if New created it
func (s *Stores) Close() error {
	if s.client != nil && s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// Stats returns store statistics
func (s *Stores) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"backend":           string(s.backend),
		"failure_policy":    string(s.config.FailurePolicy),
		"operation_timeout": s.config.OperationTimeout.String(),
	}

	switch s.backend {
	case BackendLocal:
		stats["active_rate_limit_keys"] = s.localRate.ActiveKeys()
		stats["active_slot_keys"] = s.localConc.ActiveKeys()
	case BackendDistributed:
		stats["key_prefix"] = s.config.KeyPrefix
		stats["redis_address"] = s.client.Address()
		stats["script_reloads"] = s.client.ScriptReloads()
		if b := s.client.Breaker(); b != nil {
			stats["breaker"] = b.Stats()
		}
	}

	return stats
}
