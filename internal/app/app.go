package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chat-backend/internal/circuitbreaker"
	"chat-backend/internal/common/logging"
	"chat-backend/internal/common/ratelimit"
	"chat-backend/internal/config"
	"chat-backend/internal/redis"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Stores   *ratelimit.Stores
	Registry *prometheus.Registry
	Logger   logging.Logger
}

// New creates the application. A limiter that cannot be built is fatal.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiterConfig, err := LimiterConfig(cfg)
	if err != nil {
		return nil, err
	}

	stores, err := ratelimit.New(limiterConfig,
		ratelimit.WithLogger(logger),
		ratelimit.WithRegisterer(registry),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:   cfg,
		Stores:   stores,
		Registry: registry,
		Logger:   logger.WithFields(logging.String("component", "app")),
	}, nil
}

// LimiterConfig translates service configuration into limiter store configuration
func LimiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	backend, err := ratelimit.ParseBackend(cfg.LimiterBackend)
	if err != nil {
		return ratelimit.Config{}, err
	}
	policy, err := ratelimit.ParseFailurePolicy(cfg.LimiterFailPolicy)
	if err != nil {
		return ratelimit.Config{}, err
	}

	limiterConfig := ratelimit.DefaultConfig()
	limiterConfig.Backend = backend
	limiterConfig.FailurePolicy = policy
	limiterConfig.KeyPrefix = cfg.LimiterKeyPrefix
	limiterConfig.OperationTimeout = cfg.OperationTimeout()

	if backend == ratelimit.BackendDistributed {
		limiterConfig.Redis = redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDBNumber(),
			PoolSize: cfg.RedisPoolSizeNumber(),
		}
		if cfg.LimiterBreakerEnabled {
			breaker := circuitbreaker.DefaultConfig()
			limiterConfig.Breaker = &breaker
		}
	}

	return limiterConfig, nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Stores != nil {
		if err := app.Stores.Close(); err != nil {
			app.Logger.Warn("Error closing limit stores", logging.Err(err))
		}
	}
}
