package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"chat-backend/internal/circuitbreaker"
	"chat-backend/internal/common/errors"
	"chat-backend/internal/common/logging"
)

// Client wraps a go-redis client with a lazily populated script cache.
// Construction never touches the network; the first command or Health does.
type Client struct {
	rdb     *redis.Client
	config  *Config
	breaker *circuitbreaker.Breaker
	logger  logging.Logger

	mu      sync.Mutex
	shas    map[string]string
	reloads uint64
}

type Config struct {
	Address      string        `json:"address"`
	Password     string        `json:"password"`
	DB           int           `json:"db"`
	PoolSize     int           `json:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// Option configures a Client
type Option func(*Client)

// WithBreaker routes every command through the given circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithLogger sets the logger used for script reloads.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(config *Config, opts ...Option) (*Client, error) {
	if config == nil {
		return nil, errors.ConfigError("redis config is required")
	}
	if config.Address == "" {
		return nil, errors.ConfigError("redis address is required")
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	c := &Client{
		rdb:    rdb,
		config: config,
		shas:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.GetGlobalLogger()
	}
	c.logger = c.logger.WithFields(logging.String("component", "redis"))

	return c, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings the server. It bypasses the breaker so a probe always
// reflects the real connection state.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return c.rdb.Ping(ctx).Err()
}

// Address returns the configured server address
func (c *Client) Address() string {
	return c.config.Address
}

// Breaker returns the breaker guarding this client, or nil.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

// ScriptReloads reports how many times a script had to be re-loaded after
// the server answered NOSCRIPT.
func (c *Client) ScriptReloads() uint64 {
	return atomic.LoadUint64(&c.reloads)
}

// Script is a Lua script addressed by name. Its SHA is learned on first use.
type Script struct {
	name string
	src  string
}

func NewScript(name, src string) *Script {
	return &Script{name: name, src: src}
}

func (s *Script) Name() string {
	return s.name
}

// RunScript evaluates s by SHA. A NOSCRIPT reply means the server lost its
// script cache: the script is loaded again and the call retried exactly once.
// A nil script reply is returned as a nil result, not an error.
func (c *Client) RunScript(ctx context.Context, s *Script, keys []string, args ...interface{}) (interface{}, error) {
	var result interface{}
	err := c.execute(ctx, func(ctx context.Context) error {
		res, err := c.evalSha(ctx, s, keys, args...)
		if isNoScript(err) {
			c.forget(s)
			n := atomic.AddUint64(&c.reloads, 1)
			c.logger.Info("Script missing on server, reloading",
				logging.String("script", s.name),
				logging.Int64("reloads", int64(n)),
			)
			res, err = c.evalSha(ctx, s, keys, args...)
		}
		if err == redis.Nil {
			err = nil
		}
		if err != nil {
			return fmt.Errorf("failed to run script %s: %w", s.name, err)
		}
		result = res
		return nil
	})
	return result, err
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.execute(ctx, func(ctx context.Context) error {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
		return nil
	})
}

func (c *Client) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

func (c *Client) evalSha(ctx context.Context, s *Script, keys []string, args ...interface{}) (interface{}, error) {
	sha, err := c.scriptSHA(ctx, s)
	if err != nil {
		return nil, err
	}
	return c.rdb.EvalSha(ctx, sha, keys, args...).Result()
}

// scriptSHA returns the cached SHA for s, loading the script on a miss.
func (c *Client) scriptSHA(ctx context.Context, s *Script) (string, error) {
	c.mu.Lock()
	sha, ok := c.shas[s.name]
	c.mu.Unlock()
	if ok {
		return sha, nil
	}

	sha, err := c.rdb.ScriptLoad(ctx, s.src).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load script %s: %w", s.name, err)
	}

	c.mu.Lock()
	c.shas[s.name] = sha
	c.mu.Unlock()
	return sha, nil
}

func (c *Client) forget(s *Script) {
	c.mu.Lock()
	delete(c.shas, s.name)
	c.mu.Unlock()
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}
